// Package logx is a thin zerolog wrapper with live-reloadable sinks.
//
// It exposes a Field-based API so call sites never import zerolog directly,
// and a Service whose root logger can be swapped at runtime when the
// configuration changes.
package logx
