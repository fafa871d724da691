// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugKit Contributors

package plugin

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/plugkit/plugkit/pkg/plugsdk"
)

// hookRegistration pairs a hook transformation with its owning plugin.
type hookRegistration struct {
	owner   string
	handler plugsdk.HookFunc
}

// HookPipeline is an ordered chain of transformation handlers.
// CallHook threads a payload through every handler registered for a
// hook name in registration order; each handler sees the output of the
// previous one.
type HookPipeline struct {
	mu       sync.RWMutex
	hooks    map[string][]hookRegistration
	metrics  MetricsRecorder
	recorder func(owner string, failed bool)
}

// NewHookPipeline creates a hook pipeline.
func NewHookPipeline() *HookPipeline {
	return &HookPipeline{
		hooks: make(map[string][]hookRegistration),
	}
}

func (p *HookPipeline) setMetrics(m MetricsRecorder) {
	p.metrics = m
}

// setCallRecorder wires a per-plugin dispatch counter callback.
func (p *HookPipeline) setCallRecorder(fn func(owner string, failed bool)) {
	p.recorder = fn
}

// RegisterPlugin copies the plugin's declared hook table into the
// pipeline, tagging every handler with the owning plugin name.
func (p *HookPipeline) RegisterPlugin(name string, instance plugsdk.Plugin) {
	provider, ok := instance.(plugsdk.HookProvider)
	if !ok {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for hookName, handlers := range provider.Hooks() {
		for _, h := range handlers {
			p.hooks[hookName] = append(p.hooks[hookName], hookRegistration{
				owner:   name,
				handler: h,
			})
		}
	}
}

// RegisterHook registers a single hook handler owned by a plugin.
func (p *HookPipeline) RegisterHook(hookName string, h plugsdk.HookFunc, owner string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks[hookName] = append(p.hooks[hookName], hookRegistration{
		owner:   owner,
		handler: h,
	})
}

// UnregisterPlugin removes every hook handler owned by the plugin in
// every bucket.
func (p *HookPipeline) UnregisterPlugin(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for hookName, regs := range p.hooks {
		kept := regs[:0]
		for _, reg := range regs {
			if reg.owner != name {
				kept = append(kept, reg)
			}
		}
		if len(kept) == 0 {
			delete(p.hooks, hookName)
			continue
		}
		p.hooks[hookName] = kept
	}
}

// CallHook threads data through every handler registered for hookName.
// With no handlers the input is returned unchanged. A handler that
// returns nil leaves the payload as-is; a handler that fails is logged
// and skipped, and the pipeline continues with the last good value.
func (p *HookPipeline) CallHook(hookName string, data map[string]any) map[string]any {
	p.mu.RLock()
	snapshot := append([]hookRegistration(nil), p.hooks[hookName]...)
	p.mu.RUnlock()

	if len(snapshot) == 0 {
		return data
	}

	if p.metrics != nil {
		p.metrics.RecordHookCall(hookName)
	}

	result := data
	for _, reg := range snapshot {
		next, err := p.apply(reg, result)
		if p.recorder != nil {
			p.recorder(reg.owner, err != nil)
		}
		if err != nil {
			if p.metrics != nil {
				p.metrics.RecordHandlerFailure(reg.owner)
			}
			slog.Error("hook handler failed",
				"hook", hookName,
				"plugin", reg.owner,
				"error", err)
			continue
		}
		if next != nil {
			result = next
		}
	}
	return result
}

// apply invokes one hook handler with panic containment.
func (p *HookPipeline) apply(reg hookRegistration, data map[string]any) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("hook panic: %v", r)
		}
	}()
	return reg.handler(data), nil
}

// HandlerCount returns the number of handlers registered for the hook.
func (p *HookPipeline) HandlerCount(hookName string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.hooks[hookName])
}

// Cleanup drops every registration.
func (p *HookPipeline) Cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks = make(map[string][]hookRegistration)
}
