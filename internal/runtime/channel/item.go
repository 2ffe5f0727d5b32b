package channel

import "time"

// Kind is the declared data type a channel carries.
type Kind int

const (
	KindFrame Kind = iota
	KindDetection
	KindEncoded
	KindStatistics
	KindBinary
	KindIMU
)

var kindNames = map[Kind]string{
	KindFrame:      "frame",
	KindDetection:  "detection",
	KindEncoded:    "encoded",
	KindStatistics: "statistics",
	KindBinary:     "binary",
	KindIMU:        "imu",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Sequenced reports whether items of this kind normally carry a capture
// sequence number.
func (k Kind) Sequenced() bool {
	switch k {
	case KindFrame, KindDetection, KindEncoded:
		return true
	}
	return false
}

// Publishable reports whether a channel of this kind can be exposed to the
// agent as a published stream.
func (k Kind) Publishable() bool {
	switch k {
	case KindFrame, KindEncoded, KindStatistics:
		return true
	}
	return false
}

// Item is one value produced by a device output queue.
type Item struct {
	// Sequence is the capture sequence number. Meaningful only when
	// HasSequence is set.
	Sequence    int64
	HasSequence bool
	// Timestamp is the device capture time, if the device reports one.
	Timestamp time.Time
	// Count is the number of samples the item carries. Zero counts as one.
	Count   int
	Payload any
}

// Sequenced builds an item carrying a capture sequence number.
func Sequenced(seq int64, payload any) Item {
	return Item{Sequence: seq, HasSequence: true, Payload: payload}
}

// Unsequenced builds an item without a sequence number.
func Unsequenced(payload any) Item {
	return Item{Payload: payload}
}

// Samples returns how many samples the item contributes to rate tracking.
func (i Item) Samples() int {
	if i.Count <= 0 {
		return 1
	}
	return i.Count
}

// Bytes returns the payload as raw bytes when it is a byte slice or a
// string.
func (i Item) Bytes() ([]byte, bool) {
	switch p := i.Payload.(type) {
	case []byte:
		return p, true
	case string:
		return []byte(p), true
	}
	return nil, false
}
