package blueprint

// NormalizeRotation converts a caller-provided rotation into a quarter-turn
// count in [0,3]. It accepts quarter-turns (0..3) or degrees (multiples of 90).
func NormalizeRotation(r int) int {
	if r%90 == 0 && (r > 3 || r < -3) {
		r = r / 90
	}
	r %= 4
	if r < 0 {
		r += 4
	}
	return r
}

// ValidRotation reports whether r is a quarter-turn count or a multiple of 90 degrees.
func ValidRotation(r int) bool {
	return (r >= -3 && r <= 3) || r%90 == 0
}

// RotateXZ rotates an (x,z) offset around the Y axis by rot quarter turns,
// counterclockwise seen from above (east turns to north). rot must be normalized.
func RotateXZ(x, z, rot int) (rx, rz int) {
	switch rot & 3 {
	case 0:
		return x, z
	case 1:
		return z, -x
	case 2:
		return -x, -z
	default: // 3
		return -z, x
	}
}

func RotateOffset(off Vec3i, rot int) Vec3i {
	rx, rz := RotateXZ(off.X, off.Z, rot)
	return Vec3i{X: rx, Y: off.Y, Z: rz}
}

var facingVectors = map[string][2]int{
	"north": {0, -1},
	"south": {0, 1},
	"east":  {1, 0},
	"west":  {-1, 0},
}

// RotateFacing turns a horizontal facing the same way RotateOffset turns
// coordinates. up, down and unknown values are returned unchanged.
func RotateFacing(facing string, rot int) string {
	v, ok := facingVectors[facing]
	if !ok || rot&3 == 0 {
		return facing
	}
	rx, rz := RotateXZ(v[0], v[1], rot)
	for name, fv := range facingVectors {
		if fv[0] == rx && fv[1] == rz {
			return name
		}
	}
	return facing
}
