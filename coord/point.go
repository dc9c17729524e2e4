package coord

// Point is a machine position in mm.
//
// On the dual-motor machine Y is the primary Y motor and Z is the
// secondary Y motor, so a healthy gantry always has Y == Z.
type Point struct{ X, Y, Z float64 }

// Add will add the target values to p.
func (p Point) Add(target Point) Point {
	p.X += target.X
	p.Y += target.Y
	p.Z += target.Z
	return p
}

// Sub will subtract the target values from p.
func (p Point) Sub(target Point) Point {
	p.X -= target.X
	p.Y -= target.Y
	p.Z -= target.Z
	return p
}

// Skew returns how far the secondary Y motor (Z) is from the primary (Y).
func (p Point) Skew() float64 {
	return p.Z - p.Y
}
