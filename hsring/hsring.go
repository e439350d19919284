// Package hsring computes the onion-service directory ring parameters that
// onion/hsdir.go's per-request SRV lookup doesn't: the time-period number
// a client is currently in, the primary/secondary ring parameters either
// side of a TP/SRV rollover, and the disaster-SRV fallback used when no
// live SRV can be trusted.
package hsring

import (
	"encoding/binary"
	"time"

	"golang.org/x/crypto/sha3"
)

// DefaultPeriodLengthMinutes is the standard hsdir_interval: one day.
const DefaultPeriodLengthMinutes = 24 * 60

// rotationOffsetMinutes is how far past midnight UTC the time period
// rotates (rend-spec-v3 §2.2.1: TP rotates at 12:00 UTC, SRV at 00:00 UTC).
const rotationOffsetMinutes = 12 * 60

// TimePeriodNumber returns the time-period number containing now, for a
// ring with the given period length in minutes.
func TimePeriodNumber(now time.Time, periodLengthMinutes int64) int64 {
	minutesSinceEpoch := now.UTC().Unix() / 60
	return (minutesSinceEpoch - rotationOffsetMinutes) / periodLengthMinutes
}

// RingParams is one ring placement: which SRV to hash relays against for a
// given time period.
type RingParams struct {
	PeriodNum    int64
	SharedRandom []byte
}

// ComputeRingParameters returns the primary ring parameters (the TP/SRV
// pairing a client should use right now) and, when the client is in the
// narrow window where the previous TP/SRV pairing is still valid, a
// secondary parameter set too. validAfter is the consensus's valid-after
// time; currentSRV/previousSRV are its two shared-random values.
func ComputeRingParameters(validAfter time.Time, currentSRV, previousSRV []byte, periodLengthMinutes int64) (primary RingParams, secondary *RingParams) {
	tp := TimePeriodNumber(validAfter, periodLengthMinutes)
	hour := validAfter.UTC().Hour()

	// Between a new TP (12:00 UTC) and the next new SRV (00:00 UTC), both
	// the new TP and the still-current SRV are in play: primary uses the
	// current SRV, secondary isn't needed — the previous TP has already
	// rotated out. Between a new SRV (00:00 UTC) and the next new TP
	// (12:00 UTC), the old TP is still current but the SRV just rolled, so
	// a descriptor published against the old TP still needs the *previous*
	// SRV, giving a secondary parameter set at tp-1.
	if hour >= 12 {
		return RingParams{PeriodNum: tp, SharedRandom: currentSRV}, nil
	}
	primary = RingParams{PeriodNum: tp, SharedRandom: previousSRV}
	sec := RingParams{PeriodNum: tp - 1, SharedRandom: currentSRV}
	return primary, &sec
}

// DisasterSRV computes the fallback shared-random value used when no SRV
// consensus can be trusted (rend-spec-v3 §2.2.3):
// SHA3-256("shared-random-disaster" || INT_8(period_length) || INT_8(period_num))
// with period_length in minutes.
func DisasterSRV(periodLengthMinutes, periodNum int64) [32]byte {
	h := sha3.New256()
	h.Write([]byte("shared-random-disaster"))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(periodLengthMinutes))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(periodNum))
	h.Write(buf[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
