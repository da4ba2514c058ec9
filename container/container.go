// Package container provides a small service container with singleton and
// factory registrations and resolution-cycle detection.
//
// Factories receive a Resolver rather than the container itself so that
// nested lookups participate in the active resolution stack. This is what
// makes cycles detectable and keeps resolution safe under concurrency.
//
// Example usage:
//
//	c := container.New()
//	c.RegisterSingleton("resource.lock", func(container.Resolver) (any, error) {
//	    return &sync.Mutex{}, nil
//	})
//	lock, err := c.Get("resource.lock")
package container

import (
	"fmt"
	"strings"
	"sync"
)

// Resolver resolves registered services. Factories use it for nested lookups.
type Resolver interface {
	Get(name string) (any, error)
}

// Factory constructs a service instance, resolving its own dependencies
// through the supplied Resolver.
type Factory func(r Resolver) (any, error)

// CircularDependencyError is returned when a service's factory, directly or
// transitively, resolves the service being constructed.
type CircularDependencyError struct {
	// Chain is the full resolution chain, ending with the repeated name.
	Chain []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular service dependency: %s", strings.Join(e.Chain, " -> "))
}

// UnknownServiceError is returned by Get for an unregistered name.
type UnknownServiceError struct {
	Name string
}

func (e *UnknownServiceError) Error() string {
	return fmt.Sprintf("no service registered as %q", e.Name)
}

type registrationKind int

const (
	kindSingleton registrationKind = iota
	kindFactory
)

type registration struct {
	kind     registrationKind
	factory  Factory
	instance any
	built    bool
}

// Container resolves named services with singleton or factory semantics.
type Container struct {
	mu   sync.Mutex
	regs map[string]*registration
}

// New creates an empty container.
func New() *Container {
	return &Container{regs: make(map[string]*registration)}
}

// RegisterSingleton registers a service whose factory runs at most once; the
// first resolved instance is cached and returned on every subsequent Get.
// Re-registering a name replaces the previous registration.
func (c *Container) RegisterSingleton(name string, factory Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs[name] = &registration{kind: kindSingleton, factory: factory}
}

// RegisterFactory registers a service whose factory runs on every Get.
func (c *Container) RegisterFactory(name string, factory Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs[name] = &registration{kind: kindFactory, factory: factory}
}

// RegisterInstance registers an already-constructed value as a singleton.
func (c *Container) RegisterInstance(name string, instance any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs[name] = &registration{kind: kindSingleton, instance: instance, built: true}
}

// Get resolves a service by name. Resolution is serialized: the container
// lock is held for the full resolution, including factory execution, so the
// active resolution stack is exact and cycle reports name the full chain.
func (c *Container) Get(name string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolve(name, nil)
}

// resolve looks up name with the active resolution stack. Caller holds c.mu.
func (c *Container) resolve(name string, stack []string) (any, error) {
	for _, active := range stack {
		if active == name {
			chain := append(append([]string{}, stack...), name)
			return nil, &CircularDependencyError{Chain: chain}
		}
	}

	reg, ok := c.regs[name]
	if !ok {
		return nil, &UnknownServiceError{Name: name}
	}

	if reg.kind == kindSingleton && reg.built {
		return reg.instance, nil
	}

	instance, err := reg.factory(&stackResolver{c: c, stack: append(stack, name)})
	if err != nil {
		return nil, fmt.Errorf("failed to construct service %q: %w", name, err)
	}

	if reg.kind == kindSingleton {
		reg.instance = instance
		reg.built = true
	}
	return instance, nil
}

// stackResolver carries the active resolution stack through factory calls.
type stackResolver struct {
	c     *Container
	stack []string
}

func (r *stackResolver) Get(name string) (any, error) {
	return r.c.resolve(name, r.stack)
}
