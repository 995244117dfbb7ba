package sse

import (
	"context"
	"sync"

	"ticket-reservation/internal/models"
)

// BookingEventEmitter fans booking lifecycle events out to the owner's open
// SSE connections.
type BookingEventEmitter struct {
	// key: userID, value: client channels
	clients map[string][]chan models.BookingEvent
	mu      sync.RWMutex
}

func NewBookingEventEmitter() *BookingEventEmitter {
	return &BookingEventEmitter{
		clients: make(map[string][]chan models.BookingEvent),
	}
}

// Subscribe registers a client for userID's events. The channel is closed
// once ctx is done.
func (e *BookingEventEmitter) Subscribe(ctx context.Context, userID string) <-chan models.BookingEvent {
	clientChan := make(chan models.BookingEvent, 10)

	e.mu.Lock()
	e.clients[userID] = append(e.clients[userID], clientChan)
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.remove(userID, clientChan)
	}()

	return clientChan
}

// Emit delivers ev to every subscriber of its owner. Slow clients miss events
// rather than blocking the workflow.
func (e *BookingEventEmitter) Emit(ev models.BookingEvent) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, clientChan := range e.clients[ev.UserID] {
		select {
		case clientChan <- ev:
		default:
		}
	}
}

func (e *BookingEventEmitter) remove(userID string, clientChan chan models.BookingEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	clients := e.clients[userID]
	for i, ch := range clients {
		if ch == clientChan {
			e.clients[userID] = append(clients[:i], clients[i+1:]...)
			close(clientChan)
			break
		}
	}

	if len(e.clients[userID]) == 0 {
		delete(e.clients, userID)
	}
}

// ClientCount returns the number of open subscriptions for userID.
func (e *BookingEventEmitter) ClientCount(userID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.clients[userID])
}
