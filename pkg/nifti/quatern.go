package nifti

import "math"

// quaternToRotation builds the rotation part of a qform. The third column is
// flipped when qfac is negative. Refer to nifti_quatern_to_mat44 in nifti1_io.c.
func quaternToRotation(b, c, d, qfac float64) [3][3]float64 {
	a := 1.0 - (b*b + c*c + d*d)
	if a < 1e-7 {
		// special case: 180 degree rotation, renormalise b, c, d
		n := 1.0 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*n, c*n, d*n
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	r := [3][3]float64{
		{a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c)},
		{2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b)},
		{2 * (b*d - a*c), 2 * (c*d + a*b), a*a + d*d - c*c - b*b},
	}
	if qfac < 0 {
		for i := 0; i < 3; i++ {
			r[i][2] = -r[i][2]
		}
	}
	return r
}

// rotationToQuatern is the inverse of quaternToRotation for an orthonormal
// direction matrix. Refer to nifti_mat44_to_quatern in nifti1_io.c.
func rotationToQuatern(r [3][3]float64) (b, c, d, qfac float64) {
	qfac = 1
	if det3(r) < 0 {
		qfac = -1
		for i := 0; i < 3; i++ {
			r[i][2] = -r[i][2]
		}
	}

	r11, r12, r13 := r[0][0], r[0][1], r[0][2]
	r21, r22, r23 := r[1][0], r[1][1], r[1][2]
	r31, r32, r33 := r[2][0], r[2][1], r[2][2]

	var a float64
	a = r11 + r22 + r33 + 1
	if a > 0.5 {
		a = 0.5 * math.Sqrt(a)
		b = 0.25 * (r32 - r23) / a
		c = 0.25 * (r13 - r31) / a
		d = 0.25 * (r21 - r12) / a
	} else {
		xd := 1.0 + r11 - (r22 + r33)
		yd := 1.0 + r22 - (r11 + r33)
		zd := 1.0 + r33 - (r11 + r22)
		switch {
		case xd > 1:
			b = 0.5 * math.Sqrt(xd)
			c = 0.25 * (r12 + r21) / b
			d = 0.25 * (r13 + r31) / b
			a = 0.25 * (r32 - r23) / b
		case yd > 1:
			c = 0.5 * math.Sqrt(yd)
			b = 0.25 * (r12 + r21) / c
			d = 0.25 * (r23 + r32) / c
			a = 0.25 * (r13 - r31) / c
		default:
			d = 0.5 * math.Sqrt(zd)
			b = 0.25 * (r13 + r31) / d
			c = 0.25 * (r23 + r32) / d
			a = 0.25 * (r21 - r12) / d
		}
		if a < 0 {
			b, c, d = -b, -c, -d
		}
	}
	return b, c, d, qfac
}

func det3(r [3][3]float64) float64 {
	return r[0][0]*(r[1][1]*r[2][2]-r[1][2]*r[2][1]) -
		r[0][1]*(r[1][0]*r[2][2]-r[1][2]*r[2][0]) +
		r[0][2]*(r[1][0]*r[2][1]-r[1][1]*r[2][0])
}
