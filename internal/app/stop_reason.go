package app

import "mailwatch/internal/runtime/lifecycle"

type StopReason = lifecycle.StopReason

const (
	StopSIGINT     = lifecycle.StopSIGINT
	StopSIGTERM    = lifecycle.StopSIGTERM
	StopFatalError = lifecycle.StopFatalError
	StopAppStop    = lifecycle.StopAppStop
)
