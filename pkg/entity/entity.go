// Package entity holds the shared entity table both sides of the wire replicate.
package entity

// Entity is a positioned, sized, colored circle. The id is assigned by whichever
// process created it and replacement happens by id only.
type Entity struct {
	ID     uint64  `json:"id"`
	X      float32 `json:"x"`
	Y      float32 `json:"y"`
	Radius float32 `json:"radius"`
	Color  int32   `json:"color"`
}
