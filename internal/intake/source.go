package intake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/drfirst/go-lis/internal/domain/lab"
)

// ServiceTypeLab marks order lines billed as laboratory services.
const ServiceTypeLab = 2

// LineStatus is the upstream status of an order line.
type LineStatus int

const (
	LineOrdered   LineStatus = 0
	LineAccepted  LineStatus = 1
	LineCompleted LineStatus = 2
)

// ServiceOrder is an upstream clinical order as the lab sees it.
type ServiceOrder struct {
	ID          string
	PatientID   string
	RecordID    string
	RecipientID string
	PatientName string
	PatientDOB  time.Time
	PatientSex  string
	Lines       []OrderLine
}

// OrderLine is one ordered service.
type OrderLine struct {
	ID           string
	ServiceID    string
	ServiceCode  string
	ServiceName  string
	ServiceType  int
	SpecimenType string
	// Priority uses the upstream scale: 1 normal, 2 urgent, 3 emergency.
	Priority int
	Status   LineStatus
}

// OrderSource is the boundary to the ordering system.
type OrderSource interface {
	GetServiceOrder(ctx context.Context, id string) (*ServiceOrder, error)
	// MarkLines sets the upstream status of the given lines.
	MarkLines(ctx context.Context, orderID string, lineIDs []string, status LineStatus) error
}

// MemorySource is an in-process OrderSource.
type MemorySource struct {
	mu     sync.Mutex
	orders map[string]*ServiceOrder
}

// NewMemorySource creates a source holding the given orders.
func NewMemorySource(orders ...*ServiceOrder) *MemorySource {
	s := &MemorySource{orders: make(map[string]*ServiceOrder)}
	for _, o := range orders {
		s.Put(o)
	}
	return s
}

// Put stores a copy of the order.
func (s *MemorySource) Put(o *ServiceOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = cloneOrder(o)
}

func (s *MemorySource) GetServiceOrder(ctx context.Context, id string) (*ServiceOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("service order %s: %w", id, lab.ErrNotFound)
	}
	return cloneOrder(o), nil
}

func (s *MemorySource) MarkLines(ctx context.Context, orderID string, lineIDs []string, status LineStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("service order %s: %w", orderID, lab.ErrNotFound)
	}
	want := make(map[string]bool, len(lineIDs))
	for _, id := range lineIDs {
		want[id] = true
	}
	for i := range o.Lines {
		if want[o.Lines[i].ID] {
			o.Lines[i].Status = status
		}
	}
	return nil
}

func cloneOrder(o *ServiceOrder) *ServiceOrder {
	c := *o
	c.Lines = append([]OrderLine(nil), o.Lines...)
	return &c
}
