// Copyright (c) 2021 Nutanix, Inc.
/*
Package frame splits a byte stream into bounded frames and defines how those frames look on the broker.

A transfer is a header frame advertising the number of data frames, the data frames themselves and a
terminator frame. The receiver acknowledges each of them with a clear frame on the same topic.

Splitting an in-memory stream:
	chunks, err := frame.Split(data, frame.DefaultCapacity)
	out := frame.Reassemble(chunks)

Reading a stream of known size chunk by chunk:
	chunker, err := frame.NewChunker(os.Stdin, size, frame.DefaultCapacity)
	for {
		chunk, err := chunker.Next()
		if err == io.EOF {
			break
		}
		...
	}

Two wire formats implement the Codec interface:
	codec, err := frame.NewCodec(frame.TaggedName, false)
	payload, err := codec.Encode(frame.Data(session, 1, chunk))
	f, err := codec.Decode(payload, false)

The legacy format is byte compatible with earlier ncmqtt releases: a 4 byte header, raw data, a lone
0x04 terminator and an empty clear. The tagged format wraps each frame in an envelope carrying its kind,
session and sequence number, and can snappy-compress data payloads.
*/
package frame
