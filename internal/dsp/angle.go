package dsp

import "math"

// SpeedOfLight in m/s.
const SpeedOfLight = 299792458.0

// Rad converts degrees to radians.
func Rad(deg float64) float64 { return deg * math.Pi / 180 }

// Deg converts radians to degrees.
func Deg(rad float64) float64 { return rad * 180 / math.Pi }

// SteerAngle converts an inter-element phase difference (degrees) into the
// beam steering angle (degrees) of a uniform linear array with the given
// element spacing in meters. The arcsin argument is clamped to [-1, 1] and
// the sign of phaseDeg is kept.
func SteerAngle(phaseDeg, freqHz, spacingMeters float64) float64 {
	if freqHz == 0 || spacingMeters == 0 {
		return 0
	}
	arg := SpeedOfLight * Rad(math.Abs(phaseDeg)) / (2 * math.Pi * freqHz * spacingMeters)
	arg = math.Max(-1, math.Min(1, arg))
	theta := Deg(math.Asin(arg))
	if phaseDeg < 0 {
		return -theta
	}
	return theta
}

// SteerPhase is the inverse of SteerAngle.
func SteerPhase(thetaDeg, freqHz, spacingMeters float64) float64 {
	return Deg(2 * math.Pi * freqHz * spacingMeters * math.Sin(Rad(thetaDeg)) / SpeedOfLight)
}

// PhaseToTheta is SteerAngle with the spacing expressed in wavelengths.
func PhaseToTheta(phaseDeg, freqHz, spacingWavelength float64) float64 {
	if freqHz == 0 {
		return 0
	}
	return SteerAngle(phaseDeg, freqHz, spacingWavelength*SpeedOfLight/freqHz)
}

// ThetaToPhase is SteerPhase with the spacing expressed in wavelengths.
func ThetaToPhase(thetaDeg, freqHz, spacingWavelength float64) float64 {
	if freqHz == 0 {
		return 0
	}
	return SteerPhase(thetaDeg, freqHz, spacingWavelength*SpeedOfLight/freqHz)
}

// WrapPhase360 maps any angle in degrees into [0, 360).
func WrapPhase360(deg float64) float64 {
	v := math.Mod(deg, 360)
	if v < 0 {
		v += 360
	}
	if v >= 360 {
		v = 0
	}
	return v
}

// ToSup maps an angle in [0, 360) to the symmetric range (-180, 180].
func ToSup(deg float64) float64 {
	if deg > 180 {
		return deg - 360
	}
	return deg
}

// SignalBinRange returns the shifted FFT bin interval around a baseband tone
// at toneOffset Hz.
func SignalBinRange(numSamples int, sampleRate, toneOffset float64) (int, int) {
	if numSamples <= 0 || sampleRate == 0 {
		return 0, 0
	}
	start := int(float64(numSamples) * (sampleRate/2 + toneOffset/2) / sampleRate)
	end := int(float64(numSamples) * (sampleRate/2 + toneOffset*2) / sampleRate)
	if start < 0 {
		start = 0
	}
	if end > numSamples {
		end = numSamples
	}
	return start, end
}
