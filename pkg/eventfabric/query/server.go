package query

import (
	"context"
	"fmt"

	"github.com/randalmurphal/eventfabric/pkg/eventfabric/event"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/transport"
)

// Server answers queries from peers against the local store.
type Server struct {
	filters *event.FilterRegistry
	local   LocalExecutor
}

// NewServer creates a Server decoding filters with filters, or
// event.DefaultFilters when nil.
func NewServer(filters *event.FilterRegistry, local LocalExecutor) *Server {
	if filters == nil {
		filters = event.DefaultFilters
	}
	return &Server{filters: filters, local: local}
}

// Handle decodes the request's filter and runs it locally.
func (s *Server) Handle(_ context.Context, req *transport.QueryRequest) ([]event.Record, error) {
	f, err := s.filters.Decode(req.Filter)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", req.QueryID, err)
	}
	return s.local(f)
}
