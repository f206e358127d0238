package memprog

import (
	"errors"
	"fmt"

	"github.com/oisee/memplan/pkg/protocol"
)

// ErrPagingInfeasible is returned by replacement when an eviction is
// required but no resident page can be evicted: the working set of a
// single instruction exceeds the physical page budget.
var ErrPagingInfeasible = errors.New("memprog: working set exceeds the physical page budget")

// PlacementRefusedError reports that the protocol sizing function
// rejected a (width, type) pair during placement.
type PlacementRefusedError struct {
	Protocol string
	Width    uint64
	Type     protocol.PlaceableType
}

func (e *PlacementRefusedError) Error() string {
	return fmt.Sprintf("memprog: invalid placement for protocol %q: logical width = %d, type = %s",
		e.Protocol, e.Width, e.Type)
}
