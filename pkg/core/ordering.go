package core

import "slices"

// Ordering tells the server manager where one writer stands in the write order of one target.
//
// A writer may check in once every writer named in Precursors has completed, either by a final
// check-out or by a quick check-out. Current is the write_index of the connection and is
// informational; the scheduler derives Precursors from it.
type Ordering struct {
	ID         string   `json:"id"`
	Current    int      `json:"current"`
	Precursors []string `json:"precursors,omitempty"`
}

// Clone returns a copy that shares nothing with o.
func (o *Ordering) Clone() *Ordering {
	if o == nil {
		return nil
	}
	c := *o
	c.Precursors = slices.Clone(o.Precursors)
	return &c
}
