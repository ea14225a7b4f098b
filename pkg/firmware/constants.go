// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package firmware describes the motion controller dialects graver speaks.
//
// A Profile is an immutable value selected when a link is opened (or by
// auto-detection from the controller's banner). It supplies the receive
// buffer capacity, framing, command formatting, realtime byte mapping and the
// response grammar for one firmware family. The set of families is closed:
// every per-dialect decision is an exhaustive switch over Kind.
package firmware

// Receive buffer capacities
const (
	GrblBufferSize      = 127 // bytes, RX_BUFFER_SIZE - 1
	SmoothieBufferSize  = 128 // bytes
	TinyGLineBuffer     = 4   // lines in flight
	G2CoreLineBuffer    = 8   // lines in flight
	FluidNCLineBuffer   = 8   // lines in flight
	PlannerLowWaterMark = 8   // planner slots kept free before TinyG/g2core dispatch
)

// Realtime bytes shared by every GRBL-derived firmware
const (
	ByteStatusQuery = '?'
	ByteFeedHold    = '!'
	ByteCycleStart  = '~'
	ByteSoftReset   = 0x18
	ByteJogCancel   = 0x85
)

// GRBL 1.1 override bytes
const (
	ByteFeedOvReset   = 0x90
	ByteFeedOvPlus10  = 0x91
	ByteFeedOvMinus10 = 0x92
	ByteFeedOvPlus1   = 0x93
	ByteFeedOvMinus1  = 0x94
	ByteRapidOv100    = 0x95
	ByteRapidOv50     = 0x96
	ByteRapidOv25     = 0x97
	ByteSpindleReset  = 0x99
	ByteSpindlePlus10 = 0x9A
	ByteSpindleMin10  = 0x9B
	ByteSpindlePlus1  = 0x9C
	ByteSpindleMin1   = 0x9D
)

// TinyG/g2core status report "stat" values
const (
	statInitializing = 0
	statReady        = 1
	statAlarm        = 2
	statStop         = 3
	statEnd          = 4
	statRun          = 5
	statHold         = 6
	statProbe        = 7
	statCycle        = 8
	statHoming       = 9
	statJog          = 10
	statInterlock    = 11
	statShutdown     = 12
	statPanic        = 13
)

// TinyG footer status codes below this value are not errors
const tinygErrorThreshold = 20

// tinygStatusError is TinyG's generic STAT_ERROR
const tinygStatusError = 1
