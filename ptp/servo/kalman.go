/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package servo

import (
	"math"
	"time"

	log "github.com/sirupsen/logrus"
)

// nanosecond phase drift per second per PPM of frequency offset
const nsPerPPMSecond = 1000.0

// staleIntervals is how many sync intervals without a measurement mark the
// servo stale
const staleIntervals = 4

// initialFreqUncertaintyPPM is the frequency uncertainty of a free-running
// oscillator we assume before any measurements
const initialFreqUncertaintyPPM = 100.0

// KalmanCfg is a Kalman servo config
type KalmanCfg struct {
	// StepThreshold is the offset above which we step the clock instead of steering
	StepThreshold time.Duration
	// SteerTime is over how many seconds the phase error is steered away
	SteerTime float64
	// MaxFrequencyPPM clamps the frequency correction
	MaxFrequencyPPM float64
	// PhaseNoise is process noise of the phase state, ns^2 per second
	PhaseNoise float64
	// FrequencyNoise is process noise of the frequency state, ppm^2 per second
	FrequencyNoise float64
	// MeasurementNoise is the standard deviation of a single offset
	// measurement in ns
	MeasurementNoise float64
	// SoftTimestampFactor is the multiplier on MeasurementNoise for
	// pairings built from software timestamps
	SoftTimestampFactor float64
	// OutlierSigmas is the gating threshold: samples whose innovation
	// exceeds this many predicted standard deviations are clipped
	OutlierSigmas float64
	// MaxOutliers is how many consecutively clipped samples cause a reset
	MaxOutliers int
	// DelayWindowSize is the size of the path delay smoothing window
	DelayWindowSize int
}

// DefaultKalmanCfg to create a default Kalman servo config
func DefaultKalmanCfg() *KalmanCfg {
	return &KalmanCfg{
		StepThreshold:       time.Millisecond,
		SteerTime:           2.0,
		MaxFrequencyPPM:     500,
		PhaseNoise:          100.0,
		FrequencyNoise:      0.01,
		MeasurementNoise:    100.0,
		SoftTimestampFactor: 100.0,
		OutlierSigmas:       10.0,
		MaxOutliers:         15,
		DelayWindowSize:     9,
	}
}

// KalmanServo is a two-state linear Kalman filter. The state vector is
// (phase offset in ns, frequency offset in ppm) of the local clock against
// the master.
type KalmanServo struct {
	cfg *KalmanCfg

	// state vector and covariance
	phase float64
	freq  float64
	p00   float64
	p01   float64
	p10   float64
	p11   float64

	count        int
	outliers     int
	lastSample   time.Time
	syncInterval float64
	delays       *slidingWindow
	lastFreq     float64
}

// NewKalmanServo creates a servo with a large-variance prior
func NewKalmanServo(cfg *KalmanCfg) *KalmanServo {
	s := &KalmanServo{
		cfg:          cfg,
		syncInterval: 1.0,
		delays:       newSlidingWindow(cfg.DelayWindowSize),
	}
	s.Reset()
	return s
}

// Reset returns the servo to the large-uncertainty initial state
func (s *KalmanServo) Reset() {
	stepNs := float64(s.cfg.StepThreshold.Nanoseconds())
	s.phase = 0
	s.freq = 0
	s.p00 = stepNs * stepNs
	s.p01 = 0
	s.p10 = 0
	s.p11 = initialFreqUncertaintyPPM * initialFreqUncertaintyPPM
	s.count = 0
	s.outliers = 0
	s.lastSample = time.Time{}
	s.delays.reset()
}

// SyncInterval inform a clock servo about the master's sync interval in seconds
func (s *KalmanServo) SyncInterval(interval float64) {
	if interval > 0 {
		s.syncInterval = interval
	}
}

// Stale reports whether no sync was observed within 4x sync interval
func (s *KalmanServo) Stale(now time.Time) bool {
	if s.lastSample.IsZero() {
		return false
	}
	return now.Sub(s.lastSample).Seconds() > staleIntervals*s.syncInterval
}

// OffsetFromMaster is the current phase offset estimate
func (s *KalmanServo) OffsetFromMaster() time.Duration {
	return time.Duration(s.phase)
}

// MeanDelay is the median of the path delay window
func (s *KalmanServo) MeanDelay() time.Duration {
	m := s.delays.median()
	if math.IsNaN(m) {
		return 0
	}
	return time.Duration(m)
}

// Sigma is the predicted standard deviation of the next offset measurement
func (s *KalmanServo) Sigma() float64 {
	return math.Sqrt(s.p00 + s.measurementVariance(false))
}

func (s *KalmanServo) measurementVariance(soft bool) float64 {
	r := s.cfg.MeasurementNoise
	if soft {
		r *= s.cfg.SoftTimestampFactor
	}
	return r * r
}

// predict propagates state and covariance dt seconds forward
func (s *KalmanServo) predict(dt float64) {
	kdt := nsPerPPMSecond * dt
	s.phase += s.freq * kdt
	p00 := s.p00 + kdt*(s.p01+s.p10) + kdt*kdt*s.p11 + s.cfg.PhaseNoise*dt
	p01 := s.p01 + kdt*s.p11
	p10 := s.p10 + kdt*s.p11
	p11 := s.p11 + s.cfg.FrequencyNoise*dt
	s.p00, s.p01, s.p10, s.p11 = p00, p01, p10, p11
}

// update runs the measurement update with offset z, returns whether the
// sample was gated as an outlier
func (s *KalmanServo) update(z float64, r float64) bool {
	y := z - s.phase
	innovVar := s.p00 + r
	gate := s.cfg.OutlierSigmas * math.Sqrt(innovVar)
	outlier := math.Abs(y) > gate
	if outlier {
		// clip the innovation instead of tracking the spike
		if y > 0 {
			y = gate
		} else {
			y = -gate
		}
		s.outliers++
	} else {
		s.outliers = 0
	}
	k0 := s.p00 / innovVar
	k1 := s.p10 / innovVar
	s.phase += k0 * y
	s.freq += k1 * y
	p00 := (1 - k0) * s.p00
	p01 := (1 - k0) * s.p01
	p10 := s.p10 - k1*s.p00
	p11 := s.p11 - k1*s.p01
	s.p00, s.p01, s.p10, s.p11 = p00, p01, p10, p11
	if outlier {
		// inflate the uncertainty so repeated genuine changes eventually win
		s.p00 *= 2
	}
	return outlier
}

// steer converts the current state estimate into the frequency value to
// feed the clock: compensate the frequency error and wash out the remaining
// phase error over SteerTime seconds
func (s *KalmanServo) steer() float64 {
	ppm := -(s.freq + s.phase/(s.cfg.SteerTime*nsPerPPMSecond))
	if ppm > s.cfg.MaxFrequencyPPM {
		ppm = s.cfg.MaxFrequencyPPM
	} else if ppm < -s.cfg.MaxFrequencyPPM {
		ppm = -s.cfg.MaxFrequencyPPM
	}
	s.lastFreq = ppm
	return ppm
}

// Sample consumes one measurement and returns the frequency adjustment in
// PPM and the servo state
func (s *KalmanServo) Sample(m *Measurement) (float64, State) {
	offset := float64(m.Offset.Nanoseconds())
	s.delays.add(float64(m.Delay.Nanoseconds()))

	absOffset := m.Offset
	if absOffset < 0 {
		absOffset = -absOffset
	}
	if absOffset > s.cfg.StepThreshold {
		// too far gone for steering: the caller is expected to step the
		// clock by -m.Offset, so restart from the post-step state,
		// keeping nothing but the delay history
		log.Warningf("offset %v is above step threshold %v, stepping", m.Offset, s.cfg.StepThreshold)
		s.phase = 0
		s.freq = 0
		s.p00 = s.measurementVariance(m.SoftwareTimestamps)
		s.p11 = initialFreqUncertaintyPPM * initialFreqUncertaintyPPM
		s.p01, s.p10 = 0, 0
		s.count = 0
		s.lastSample = m.Timestamp
		return s.lastFreq, StateJump
	}

	if s.count == 0 {
		s.phase = offset
		s.p00 = s.measurementVariance(m.SoftwareTimestamps)
		s.count = 1
		s.lastSample = m.Timestamp
		return s.lastFreq, StateInit
	}

	dt := m.Timestamp.Sub(s.lastSample).Seconds()
	if dt <= 0 {
		log.Warningf("measurement at %v is not newer than the previous one, ignoring", m.Timestamp)
		return s.lastFreq, StateFilter
	}
	s.predict(dt)
	wasOutlier := s.update(offset, s.measurementVariance(m.SoftwareTimestamps))
	s.lastSample = m.Timestamp
	if wasOutlier {
		if s.outliers >= s.cfg.MaxOutliers {
			log.Warning("servo was reset after too many outliers")
			s.Reset()
			return s.lastFreq, StateInit
		}
		log.Warningf("servo filtered out offset %v", m.Offset)
		// keep steering with the previous estimate
		return s.lastFreq, StateFilter
	}
	s.count++
	if s.count < 3 {
		// frequency is not observable from a single pair of samples yet
		return s.lastFreq, StateInit
	}
	return s.steer(), StateLocked
}
