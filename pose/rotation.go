package pose

import (
	"math"

	"github.com/golang/geo/r3"
)

// Mat3 is a row-major 3x3 rotation matrix
type Mat3 [3][3]float64

// Identity returns the identity rotation
func Identity() Mat3 {
	return Mat3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// Apply returns m * v
func (m Mat3) Apply(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

// Mul returns m * o
func (m Mat3) Mul(o Mat3) Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				out[i][j] += m[i][k] * o[k][j]
			}
		}
	}
	return out
}

// RotationMatrix converts an axis-angle vector to a rotation matrix
func RotationMatrix(rvec r3.Vector) Mat3 {
	theta := rvec.Norm()
	if theta < 1e-12 {
		return Identity()
	}
	k := rvec.Mul(1 / theta)
	c, s := math.Cos(theta), math.Sin(theta)
	t := 1 - c

	return Mat3{
		{c + t*k.X*k.X, t*k.X*k.Y - s*k.Z, t*k.X*k.Z + s*k.Y},
		{t*k.Y*k.X + s*k.Z, c + t*k.Y*k.Y, t*k.Y*k.Z - s*k.X},
		{t*k.Z*k.X - s*k.Y, t*k.Z*k.Y + s*k.X, c + t*k.Z*k.Z},
	}
}

// RotationVector converts a rotation matrix to its axis-angle vector
func RotationVector(m Mat3) r3.Vector {
	cosTheta := (m[0][0] + m[1][1] + m[2][2] - 1) / 2
	cosTheta = math.Max(-1, math.Min(1, cosTheta))
	theta := math.Acos(cosTheta)

	skew := r3.Vector{
		X: m[2][1] - m[1][2],
		Y: m[0][2] - m[2][0],
		Z: m[1][0] - m[0][1],
	}

	switch {
	case theta < 1e-9:
		return skew.Mul(0.5)
	case math.Pi-theta < 1e-6:
		// sin(theta) ~ 0, recover the axis from the symmetric part
		axis := r3.Vector{
			X: math.Sqrt(math.Max(0, (m[0][0]+1)/2)),
			Y: math.Sqrt(math.Max(0, (m[1][1]+1)/2)),
			Z: math.Sqrt(math.Max(0, (m[2][2]+1)/2)),
		}
		if m[0][1]+m[1][0] < 0 {
			axis.Y = -axis.Y
		}
		if m[0][2]+m[2][0] < 0 {
			axis.Z = -axis.Z
		}
		if axis.X == 0 && m[1][2]+m[2][1] < 0 {
			axis.Z = -axis.Z
		}
		return axis.Normalize().Mul(theta)
	default:
		return skew.Mul(theta / (2 * math.Sin(theta)))
	}
}
