// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import "github.com/ffutop/mbcore/timer"

// bitsPerChar is 1 start + 8 data + 1 parity/fill + 1 stop.
const bitsPerChar = 11

// CharTimeTicks derives t1.5 in 20 kHz (50 µs) ticks for the given baud
// rate. Above 19200 baud the Modbus standard fixes t1.5 at 750 µs.
func CharTimeTicks(baud int) timer.Ticks {
	if baud <= 0 || baud > 19200 {
		return timer.FromMicros(750)
	}
	charMicros := (bitsPerChar * 1000000 * 3 / 2) / baud
	return timer.FromMicros(charMicros)
}

// FrameSilenceTicks derives t3.5 in 20 kHz ticks for the given baud rate.
// Above 19200 baud it is fixed at 1.75 ms.
func FrameSilenceTicks(baud int) timer.Ticks {
	if baud <= 0 || baud > 19200 {
		return timer.FromMicros(1750)
	}
	charMicros := (bitsPerChar * 1000000 * 7 / 2) / baud
	return timer.FromMicros(charMicros)
}
