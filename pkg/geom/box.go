package geom

// Box is an axis aligned bounding volume.
type Box struct {
	Min, Max Vec3
}

func (b Box) Contains(p Vec3) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

// Reflect clamps p into the box and flips the velocity components of every
// axis that was crossed.
func (b Box) Reflect(p, vel Vec3) (Vec3, Vec3) {
	p.X, vel.X = reflectAxis(p.X, vel.X, b.Min.X, b.Max.X)
	p.Y, vel.Y = reflectAxis(p.Y, vel.Y, b.Min.Y, b.Max.Y)
	p.Z, vel.Z = reflectAxis(p.Z, vel.Z, b.Min.Z, b.Max.Z)
	return p, vel
}

func reflectAxis(p, v, lo, hi float32) (float32, float32) {
	switch {
	case p < lo:
		return lo + (lo - p), absf(v)
	case p > hi:
		return hi - (p - hi), -absf(v)
	}
	return p, v
}
