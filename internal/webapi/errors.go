package webapi

import (
	"github.com/fabrice-guiot/shuttersense-sub003/internal/apierr"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/broadcast"
)

var errUnauthenticated = apierr.New(apierr.Unauthenticated, "no credentials presented")

// channelFullErr maps a broadcast.ErrChannelFull onto the §5 resource
// limit's 503 (subscriber sets bounded per channel).
func channelFullErr(err error) error {
	if _, ok := err.(*broadcast.ErrChannelFull); ok {
		return apierr.New(apierr.CapacityExceeded, "too many subscribers on this channel")
	}
	return err
}
