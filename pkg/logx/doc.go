// Package logx provides the engine's structured logging facade on top of
// zerolog.
//
// Components receive a Logger value derived with With(logx.String("comp", ...)).
// Loggers created from a Service stay live across Service.Apply() calls, so a
// config hot reload can change level and sinks without re-wiring components.
//
// The zero Logger is a safe no-op, which keeps optional dependencies simple.
package logx
