package mqttspool

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// initialIndex is chosen to leave headroom below and above for
// appendleft/append respectively, matching the Python spool's scheme of a
// decimal counter that climbs from a mid-range starting point.
const initialIndex = 1_000_000_000

// fileSpoolDeque is a persistent deque of gob-encoded records, one file per
// entry, named as a zero-padded decimal so lexical order is FIFO order.
type fileSpoolDeque struct {
	dir  string
	head int
	tail int
}

func newFileSpoolDeque(dir string) (*fileSpoolDeque, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("mqttspool: create spool dir: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("mqttspool: read spool dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".msg" {
			names = append(names, e.Name())
		}
	}

	d := &fileSpoolDeque{dir: dir}
	if len(names) == 0 {
		d.head = initialIndex
		d.tail = initialIndex - 1
		return d, nil
	}

	sort.Strings(names)
	var headIdx, tailIdx int
	if _, err := fmt.Sscanf(names[0], "%010d.msg", &headIdx); err != nil {
		return nil, fmt.Errorf("mqttspool: parse spool filename %q: %w", names[0], err)
	}
	if _, err := fmt.Sscanf(names[len(names)-1], "%010d.msg", &tailIdx); err != nil {
		return nil, fmt.Errorf("mqttspool: parse spool filename %q: %w", names[len(names)-1], err)
	}
	d.head = headIdx
	d.tail = tailIdx
	return d, nil
}

func (d *fileSpoolDeque) path(index int) string {
	return filepath.Join(d.dir, fmt.Sprintf("%010d.msg", index))
}

func (d *fileSpoolDeque) len() int {
	n := d.tail - d.head + 1
	if n < 0 {
		return 0
	}
	return n
}

func (d *fileSpoolDeque) append(rec QueuedPublish) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	d.tail++
	if err := os.WriteFile(d.path(d.tail), data, 0o600); err != nil {
		d.tail--
		return err
	}
	return nil
}

func (d *fileSpoolDeque) appendLeft(rec QueuedPublish) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	d.head--
	if err := os.WriteFile(d.path(d.head), data, 0o600); err != nil {
		d.head++
		return err
	}
	return nil
}

func (d *fileSpoolDeque) popLeft() (QueuedPublish, error) {
	if d.len() == 0 {
		return QueuedPublish{}, fmt.Errorf("mqttspool: pop from empty disk queue")
	}
	path := d.path(d.head)
	data, readErr := os.ReadFile(path)
	_ = os.Remove(path)
	d.head++
	if d.len() == 0 {
		d.head = initialIndex
		d.tail = initialIndex - 1
	}
	if readErr != nil {
		return QueuedPublish{}, readErr
	}
	return decodeRecord(data)
}

func (d *fileSpoolDeque) clear() {
	entries, err := os.ReadDir(d.dir)
	if err == nil {
		for _, e := range entries {
			if filepath.Ext(e.Name()) == ".msg" {
				_ = os.Remove(filepath.Join(d.dir, e.Name()))
			}
		}
	}
	d.head = initialIndex
	d.tail = initialIndex - 1
}

// gobRecord is the on-disk shape. UserProperties is flattened to parallel
// slices because gob handles simple slices of structs fine, but keeping the
// wire shape explicit here documents exactly what is persisted.
type gobRecord struct {
	Topic                  string
	Payload                []byte
	QoS                    byte
	Retain                 bool
	ContentType            string
	HasPayloadFormat       bool
	PayloadFormatIndicator byte
	HasExpiry              bool
	MessageExpiryInterval  uint32
	ResponseTopic          string
	CorrelationData        []byte
	UserProperties         []UserProperty
}

func encodeRecord(rec QueuedPublish) ([]byte, error) {
	g := gobRecord{
		Topic:           rec.Topic,
		Payload:         rec.Payload,
		QoS:             rec.QoS,
		Retain:          rec.Retain,
		ContentType:     rec.ContentType,
		ResponseTopic:   rec.ResponseTopic,
		CorrelationData: rec.CorrelationData,
		UserProperties:  rec.UserProperties,
	}
	if rec.PayloadFormatIndicator != nil {
		g.HasPayloadFormat = true
		g.PayloadFormatIndicator = *rec.PayloadFormatIndicator
	}
	if rec.MessageExpiryInterval != nil {
		g.HasExpiry = true
		g.MessageExpiryInterval = *rec.MessageExpiryInterval
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(g); err != nil {
		return nil, fmt.Errorf("mqttspool: encode record: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeRecord(data []byte) (QueuedPublish, error) {
	var g gobRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&g); err != nil {
		return QueuedPublish{}, fmt.Errorf("mqttspool: decode record: %w", err)
	}
	rec := QueuedPublish{
		Topic:           g.Topic,
		Payload:         g.Payload,
		QoS:             g.QoS,
		Retain:          g.Retain,
		ContentType:     g.ContentType,
		ResponseTopic:   g.ResponseTopic,
		CorrelationData: g.CorrelationData,
		UserProperties:  g.UserProperties,
	}
	if g.HasPayloadFormat {
		v := g.PayloadFormatIndicator
		rec.PayloadFormatIndicator = &v
	}
	if g.HasExpiry {
		v := g.MessageExpiryInterval
		rec.MessageExpiryInterval = &v
	}
	return rec, nil
}
