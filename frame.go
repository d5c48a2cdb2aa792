package adcap

// Frame holds one reading per configured channel, in channel declaration order.
type Frame []int

// Clone returns a copy of the frame that does not share storage with f.
func (f Frame) Clone() Frame {
	c := make(Frame, len(f))
	copy(c, f)
	return c
}
