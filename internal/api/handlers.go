package api

import (
	"fmt"
	"sync"

	"gantry/pkg/logging"
)

// Handler registry variables store the registered implementations.
// These variables are protected by handlerMutex for thread-safe access.
var (
	upstreamHandler UpstreamHandler
	registryHandler RegistryHandler
	graphHandler    GraphHandler
	engineHandler   EngineHandler
	sandboxHandler  SandboxHandler
	toolCaller      ToolCaller

	// toolUpdateSubscribers stores the components subscribed to tool
	// update events. Access is protected by toolUpdateMutex.
	toolUpdateSubscribers []ToolUpdateSubscriber
	toolUpdateMutex       sync.Mutex

	// handlerMutex protects all handler registry operations.
	handlerMutex sync.RWMutex
)

// RegisterUpstream registers the upstream manager handler implementation.
// Only one handler can be registered at a time; subsequent registrations
// replace the previous one. Registration happens during application
// bootstrap, before the gateway starts serving.
//
// Thread-safe: Yes, protected by handlerMutex.
func RegisterUpstream(h UpstreamHandler) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	logging.Debug("API", "Registering upstream handler: %v", h != nil)
	upstreamHandler = h
}

// GetUpstream returns the registered upstream handler, or nil when none is
// registered. Callers must check for nil.
//
// Thread-safe: Yes, protected by handlerMutex read lock.
func GetUpstream() UpstreamHandler {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return upstreamHandler
}

// RegisterRegistry registers the tool registry handler implementation.
//
// Thread-safe: Yes, protected by handlerMutex.
func RegisterRegistry(h RegistryHandler) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	logging.Debug("API", "Registering registry handler: %v", h != nil)
	registryHandler = h
}

// GetRegistry returns the registered registry handler, or nil when none is
// registered.
//
// Thread-safe: Yes, protected by handlerMutex read lock.
func GetRegistry() RegistryHandler {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return registryHandler
}

// RegisterGraph registers the knowledge graph handler implementation.
//
// Thread-safe: Yes, protected by handlerMutex.
func RegisterGraph(h GraphHandler) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	graphHandler = h
}

// GetGraph returns the registered graph handler, or nil when none is
// registered.
//
// Thread-safe: Yes, protected by handlerMutex read lock.
func GetGraph() GraphHandler {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return graphHandler
}

// RegisterEngine registers the DAG engine handler implementation.
//
// Thread-safe: Yes, protected by handlerMutex.
func RegisterEngine(h EngineHandler) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	logging.Debug("API", "Registering engine handler: %v", h != nil)
	engineHandler = h
}

// GetEngine returns the registered engine handler, or nil when none is
// registered.
//
// Thread-safe: Yes, protected by handlerMutex read lock.
func GetEngine() EngineHandler {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return engineHandler
}

// RegisterSandbox registers the sandbox runtime handler implementation.
//
// Thread-safe: Yes, protected by handlerMutex.
func RegisterSandbox(h SandboxHandler) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	sandboxHandler = h
}

// GetSandbox returns the registered sandbox handler, or nil when none is
// registered.
//
// Thread-safe: Yes, protected by handlerMutex read lock.
func GetSandbox() SandboxHandler {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return sandboxHandler
}

// RegisterToolCaller registers the gateway's internal tool dispatcher.
// The engine and the sandbox bridge resolve it lazily at dispatch time so
// every tool call takes the same routing path as external MCP requests.
//
// Thread-safe: Yes, protected by handlerMutex.
func RegisterToolCaller(c ToolCaller) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	logging.Debug("API", "Registering tool caller: %v", c != nil)
	toolCaller = c
}

// GetToolCaller returns the registered tool dispatcher, or nil when none
// is registered.
//
// Thread-safe: Yes, protected by handlerMutex read lock.
func GetToolCaller() ToolCaller {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return toolCaller
}

// ResetForTesting clears every registered handler. Test helper only.
func ResetForTesting() {
	handlerMutex.Lock()
	upstreamHandler = nil
	registryHandler = nil
	graphHandler = nil
	engineHandler = nil
	sandboxHandler = nil
	toolCaller = nil
	handlerMutex.Unlock()

	toolUpdateMutex.Lock()
	toolUpdateSubscribers = nil
	toolUpdateMutex.Unlock()
}

// SubscribeToToolUpdates subscribes a component to tool availability
// change events. Subscriber callbacks are executed in separate goroutines
// so a slow subscriber cannot block the publisher; panics in callbacks are
// recovered and logged.
//
// Thread-safe: Yes, protected by toolUpdateMutex.
func SubscribeToToolUpdates(subscriber ToolUpdateSubscriber) {
	toolUpdateMutex.Lock()
	defer toolUpdateMutex.Unlock()
	toolUpdateSubscribers = append(toolUpdateSubscribers, subscriber)
	logging.Debug("API", "Added tool update subscriber, total subscribers: %d", len(toolUpdateSubscribers))
}

// PublishToolUpdateEvent delivers a tool update event to all subscribers.
// Each subscriber is notified asynchronously; delivery order between
// subscribers is not defined.
//
// Thread-safe: Yes, the subscriber list is copied before notification.
func PublishToolUpdateEvent(event ToolUpdateEvent) {
	toolUpdateMutex.Lock()
	subscribers := make([]ToolUpdateSubscriber, len(toolUpdateSubscribers))
	copy(subscribers, toolUpdateSubscribers)
	toolUpdateMutex.Unlock()

	logging.Debug("API", "Publishing tool update event: type=%s, server=%s, tools=%d, subscribers=%d",
		event.Type, event.ServerName, len(event.Tools), len(subscribers))

	for _, subscriber := range subscribers {
		go func(s ToolUpdateSubscriber) {
			defer func() {
				if r := recover(); r != nil {
					logging.Error("API", fmt.Errorf("panic in tool update subscriber: %v", r), "Tool update subscriber panicked")
				}
			}()
			s.OnToolsUpdated(event)
		}(subscriber)
	}
}
