// Copyright 2013 - 2015 Sebastian Ruml <sebastian.ruml@gmail.com>

/*
Package osc implements the Open Sound Control 1.0 wire format, address
pattern matching and message dispatch.

Open Sound Control (OSC) is an open, transport-independent, message-based
protocol developed for communication among computers, sound synthesizers,
and other multimedia devices.

The unit of transmission of OSC is an OSC Packet. An OSC packet consists of
its contents, a contiguous block of binary data, and its size, the number of
8-bit bytes that comprise the contents. The size of an OSC packet is always a
multiple of 4.

OSC packets come in two flavors:

OSC Messages: An OSC message consists of an OSC address pattern, followed
by an OSC Type Tag String, and finally by zero or more OSC arguments.

OSC Bundles: An OSC Bundle consists of the string "#bundle" followed
by an OSC Time Tag, followed by zero or more OSC bundle elements. Each bundle
element can be another OSC bundle or OSC message, prefixed by its size as an
int32.

Supported argument types: 'i' (Int32), 'h' (Int64), 'f' (Float32),
'd' (Float64), 's' and 'S' (string), 'b' (blob), 'T' (True), 'F' (False),
'N' (Nil), 'I' (Infinitum), 't' (timetag), 'm' (MIDI), 'r' (RGBA color) and
'c' (ASCII char). Arrays are rejected.

Parsing

A Packet owns a reusable receive buffer. Parse fills flat element and
argument tables without copying; Message and Bundle are views into that
buffer and report ErrStaleView once the packet is parsed again.

	p := osc.NewPacket(osc.MaxPacketSize)
	n, _, _ := conn.ReadFrom(p.Buffer())
	if err := p.Parse(n); err != nil {
		return err
	}
	msg, _ := p.Message()
	v, _ := msg.ReadFloat32(0)

Dispatch

A Dispatcher maps address patterns ('*', '?', '[]', '[!]' and '{,}') to
methods. A Receiver parses packets on the network goroutine, runs each
matching method's Receive callback immediately and queues its Deliver
callback for the application tick:

	d := osc.NewDispatcher()
	d.Register("/mixer/{1,2}/fader", osc.NewMethod(
		func(msg osc.Message) {
			v, _ := msg.ReadFloat32(0)
			level.Store(math.Float32bits(v))
		},
		func() { applyLevels() },
	))
	r := osc.NewReceiver(d, osc.MaxPacketSize)

Bundles with a future time tag are held until the tag expires.

Sending

A Writer builds one packet into a fixed capacity buffer. A Client wraps a
Writer and a Sender and can collect standalone messages into one bundle per
tick:

	c := osc.NewClient(udp, osc.ClientConfig{AutoBundle: true})
	c.Send("/mixer/1/fader", float32(0.5))
	c.Flush()

A Pump calls Flush and Deliver on every registered client and receiver once
per tick.
*/
package osc
