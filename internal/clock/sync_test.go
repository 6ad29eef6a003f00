package clock

import (
	"testing"

	"github.com/leandrodaf/midibus/sdk/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactor(t *testing.T) {
	s := NewSynchronizer(48000, 192, 120, 0)
	// 48000 frames/s * 60 / (192 * 120) = 125 frames per pulse.
	assert.InDelta(t, 125.0, s.Factor(), 1e-9)
	assert.EqualValues(t, 125, s.PulseToNative(1))
	assert.EqualValues(t, 192*125, s.PulseToNative(192))
	assert.EqualValues(t, 192, s.NativeToPulse(192*125))
}

func TestRoundTripWithinOnePulse(t *testing.T) {
	for _, ppqn := range []int{96, 192, 960} {
		for _, bpm := range []float64{60, 99.5, 120, 173.3, 300} {
			for _, rate := range []uint32{44100, 48000, 96000, MicrosecondRate} {
				s := NewSynchronizer(rate, ppqn, bpm, 0)
				for p := int64(0); p < 50000; p += 37 {
					back := s.NativeToPulse(s.PulseToNative(p))
					diff := back - p
					if diff < 0 {
						diff = -diff
					}
					require.LessOrEqualf(t, diff, int64(1),
						"ppqn %d bpm %.1f rate %d pulse %d came back as %d", ppqn, bpm, rate, p, back)
				}
			}
		}
	}
}

func TestRecalculateIsExplicit(t *testing.T) {
	s := NewSynchronizer(48000, 192, 120, 0)
	before := s.Factor()

	assert.False(t, s.Recalculate(48000, 120, 192), "same parameters")
	assert.False(t, s.Recalculate(0, -5, 0), "nonsense values are ignored")
	assert.Equal(t, before, s.Factor())

	assert.True(t, s.SetBPM(60))
	assert.InDelta(t, before*2, s.Factor(), 1e-9)
	assert.Equal(t, 60.0, s.BPM())

	assert.True(t, s.SetRate(96000))
	assert.InDelta(t, before*4, s.Factor(), 1e-9)

	assert.True(t, s.SetPPQN(96))
	assert.Equal(t, 96, s.PPQN())
	assert.EqualValues(t, 12, s.Tolerance(), "automatic tolerance follows ppqn/8")
}

func TestOrigin(t *testing.T) {
	s := NewSynchronizer(48000, 192, 120, 0)
	s.SetOrigin(10000)
	assert.EqualValues(t, 10000, s.Origin())
	assert.EqualValues(t, 0, s.PulseAt(10000))
	assert.EqualValues(t, 4, s.PulseAt(10500))
	assert.EqualValues(t, -4, s.PulseAt(9500))
	assert.EqualValues(t, 10000+192*125, s.NativeAt(192))
}

func TestRetimeKeepsCurrentPulse(t *testing.T) {
	s := NewSynchronizer(48000, 192, 120, 0)
	s.SetOrigin(1000)
	now := uint64(1000 + 1920*125)
	require.EqualValues(t, 1920, s.PulseAt(now))

	assert.True(t, s.Retime(now, 0, 60, 0))
	assert.EqualValues(t, 1920, s.PulseAt(now), "tempo change does not move the position")
	assert.EqualValues(t, 1921, s.PulseAt(now+250))
	assert.EqualValues(t, now+250, s.NativeAt(1921))

	assert.True(t, s.Retime(now, 0, 0, 96))
	assert.EqualValues(t, 960, s.PulseAt(now), "position follows the new resolution")

	assert.False(t, s.Retime(now+5000, 0, 60, 96), "unchanged parameters keep the anchor")
	assert.EqualValues(t, now, s.Origin())
}

func TestAnchorAheadOfElapsedTime(t *testing.T) {
	s := NewSynchronizer(48000, 192, 120, 4)
	s.Anchor(48000, 1920) // one second in, relocated to bar two

	assert.EqualValues(t, 1920, s.PulseAt(48000))
	assert.EqualValues(t, 1921, s.PulseAt(48125))
	assert.EqualValues(t, 1919, s.PulseAt(47875))
	assert.EqualValues(t, 48000, s.NativeAt(1920))
	assert.EqualValues(t, 47875, s.NativeAt(1919))
	assert.EqualValues(t, 0, s.NativeAt(0), "pulses before native zero clamp to zero")
	assert.EqualValues(t, 1920, s.Base())

	assert.EqualValues(t, 0, s.CheckDrift(1921, 48125))
	_, raised := s.Desync()
	assert.False(t, raised)
}

func TestRaiseFromDriver(t *testing.T) {
	s := NewSynchronizer(48000, 192, 120, 0)
	s.Raise(contracts.DesyncXRun, 0)
	report, raised := s.Desync()
	require.True(t, raised)
	assert.Equal(t, contracts.DesyncXRun, report.Reason)
	assert.Equal(t, "driver buffer overrun", report.Reason.String())
}

func TestFrameOffset(t *testing.T) {
	s := NewSynchronizer(48000, 192, 120, 0)
	assert.EqualValues(t, 0, s.FrameOffset(1024, 0))
	assert.EqualValues(t, 125, s.FrameOffset(1024, 1))
	assert.EqualValues(t, (125*9)%1024, s.FrameOffset(1024, 9))
}

func TestObserveCycleRaisesDesync(t *testing.T) {
	s := NewSynchronizer(48000, 192, 120, 0)
	require.EqualValues(t, 24, s.Tolerance())

	s.ObserveCycle(1024) // about 8 pulses
	_, raised := s.Desync()
	assert.False(t, raised)

	s.ObserveCycle(8192) // about 66 pulses
	report, raised := s.Desync()
	require.True(t, raised)
	assert.Equal(t, contracts.DesyncBufferTooLarge, report.Reason)
	assert.EqualValues(t, 66, report.Pulses)
	assert.EqualValues(t, 1, report.Count)

	s.ClearDesync()
	_, raised = s.Desync()
	assert.False(t, raised)
}

func TestCheckDrift(t *testing.T) {
	s := NewSynchronizer(48000, 192, 120, 4)

	assert.EqualValues(t, 0, s.CheckDrift(100, s.PulseToNative(100)))
	assert.EqualValues(t, 2, s.CheckDrift(102, s.PulseToNative(100)))
	_, raised := s.Desync()
	assert.False(t, raised)

	drift := s.CheckDrift(150, s.PulseToNative(140))
	assert.EqualValues(t, 10, drift)
	report, raised := s.Desync()
	require.True(t, raised)
	assert.Equal(t, contracts.DesyncPositionJump, report.Reason)

	s.ClearDesync()
	s.CheckDrift(0, s.PulseToNative(10))
	report, raised = s.Desync()
	require.True(t, raised)
	assert.Equal(t, contracts.DesyncPositionBackwards, report.Reason)
	assert.EqualValues(t, 130, report.Pulses)
}

func TestMIDIClockHelpers(t *testing.T) {
	assert.EqualValues(t, 8, PulsesPerClock(192))
	assert.EqualValues(t, 1, PulsesPerClock(12))
	assert.EqualValues(t, 48, PulsesPerSixteenth(192))

	start, spp := ContinueStart(100, 192)
	assert.EqualValues(t, 144, start)
	assert.EqualValues(t, 2, spp)

	start, spp = ContinueStart(96, 192)
	assert.EqualValues(t, 96, start)
	assert.EqualValues(t, 2, spp)

	span := int64(48 * DefaultClockMod)
	assert.EqualValues(t, 0, ModStart(0, 192, 0))
	assert.EqualValues(t, span, ModStart(1, 192, 0))
	assert.EqualValues(t, span, ModStart(span, 192, DefaultClockMod))
}

func TestManualClock(t *testing.T) {
	c := NewManualClock(48000)
	c.Advance(512)
	c.Advance(512)
	assert.EqualValues(t, 1024, c.Now())
	c.Set(5)
	assert.EqualValues(t, 5, c.Now())
	assert.EqualValues(t, 48000, c.Rate())
}
