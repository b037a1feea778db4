package zmqrelay

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// HeartbeatTopic carries broker liveness beacons. Subscribers always listen
// on it alongside their channel.
const HeartbeatTopic = "_relay.heartbeat"

// frame is the msgpack body of the second message part; the first part is
// the channel name used as the ZeroMQ topic.
type frame struct {
	Type   string `msgpack:"t"`
	Data   []byte `msgpack:"d"`
	SentAt int64  `msgpack:"s"`
}

func encodeFrame(eventType string, data []byte, now time.Time) ([]byte, error) {
	b, err := msgpack.Marshal(frame{Type: eventType, Data: data, SentAt: now.UnixMilli()})
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return b, nil
}

func decodeFrame(b []byte) (frame, error) {
	var f frame
	if err := msgpack.Unmarshal(b, &f); err != nil {
		return frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}
