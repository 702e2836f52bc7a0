// README: Shared identifiers and geographic value objects.
package types

import "github.com/google/uuid"

type ID string

func NewID() ID {
	return ID(uuid.NewString())
}

// Valid reports whether id looks like an ID produced by NewID.
func (id ID) Valid() bool {
	_, err := uuid.Parse(string(id))
	return err == nil
}

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Place is a resolved address. Geocoding happens upstream; coordinates are
// trusted as given.
type Place struct {
	Address string `json:"address"`
	Point
}
