package bencode

import (
	"io"
	"strconv"
)

// An Encoder writes bencoded values to an output stream.
type Encoder struct {
	w   io.Writer
	buf []byte
}

// NewEncoder returns a new encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes the bencoding of v to the stream in a single write.
func (enc *Encoder) Encode(v Value) error {
	enc.buf = v.appendTo(enc.buf[:0])
	_, err := enc.w.Write(enc.buf)
	return err
}

// Marshal returns the bencoding of v.
func Marshal(v Value) []byte {
	return v.appendTo(nil)
}

func (s String) appendTo(buf []byte) []byte {
	buf = strconv.AppendInt(buf, int64(len(s)), 10)
	buf = append(buf, ':')
	return append(buf, s...)
}

func (i Int) appendTo(buf []byte) []byte {
	buf = append(buf, 'i')
	buf = strconv.AppendInt(buf, int64(i), 10)
	return append(buf, 'e')
}

func (l List) appendTo(buf []byte) []byte {
	buf = append(buf, 'l')
	for _, v := range l {
		buf = v.appendTo(buf)
	}
	return append(buf, 'e')
}

func (d Dict) appendTo(buf []byte) []byte {
	buf = append(buf, 'd')
	for _, k := range d.sortedKeys() {
		buf = String(k).appendTo(buf)
		buf = d[k].appendTo(buf)
	}
	return append(buf, 'e')
}
