// Package mcpserver exposes a built closurizer store to MCP clients: closure
// lookups, relation summaries and the denormalized edges of a node.
package mcpserver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"closurizer/internal/closure"
	"closurizer/internal/database/relational"
	"closurizer/internal/kgx"
)

const (
	defaultEdgeLimit = 10
	maxEdgeLimit     = 100
	maxLookupIDs     = 500
)

// Server wraps the MCP server with read access to one store.
type Server struct {
	mcpServer  *mcp.Server
	store      *relational.Store
	aggregator *closure.Aggregator
	logger     *slog.Logger
}

// Config holds configuration for the MCP server.
type Config struct {
	ServerName    string
	ServerVersion string
	IDDelimiter   string
	Logger        *slog.Logger
}

// NewServer creates a new MCP server over store, which must hold the relations
// of a completed run.
func NewServer(cfg Config, store *relational.Store) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("mcp server needs a store")
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "closurizer"
	}
	if cfg.IDDelimiter == "" {
		cfg.IDDelimiter = kgx.DefaultIDDelimiter
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	impl := &mcp.Implementation{
		Name:    cfg.ServerName,
		Version: cfg.ServerVersion,
	}
	s := &Server{
		mcpServer:  mcp.NewServer(impl, nil),
		store:      store,
		aggregator: closure.New(store, closure.WithLogger(logger), closure.WithIDDelimiter(cfg.IDDelimiter)),
		logger:     logger,
	}
	s.registerTools()
	return s, nil
}

// LookupClosureArgs defines the input for lookup_closure tool.
type LookupClosureArgs struct {
	IDs []string `json:"ids" jsonschema:"node IDs (CURIEs) to look up"`
}

// NodeClosure is one node's closure as returned to clients.
type NodeClosure struct {
	ID            string   `json:"id"`
	Found         bool     `json:"found"`
	Name          string   `json:"name,omitempty"`
	Category      string   `json:"category,omitempty"`
	Namespace     string   `json:"namespace,omitempty"`
	Closure       []string `json:"closure,omitempty"`
	ClosureLabels []string `json:"closure_labels,omitempty"`
}

// LookupClosureResult wraps lookup results, in request order.
type LookupClosureResult struct {
	Nodes []NodeClosure `json:"nodes" jsonschema:"closure of each requested node"`
}

// DescribeStoreArgs defines the input for describe_store tool.
type DescribeStoreArgs struct{}

// RelationInfo summarizes one relation of the store.
type RelationInfo struct {
	Name    string   `json:"name"`
	Rows    int64    `json:"rows"`
	Columns []string `json:"columns"`
}

// DescribeStoreResult lists the relations present in the store.
type DescribeStoreResult struct {
	Relations []RelationInfo `json:"relations" jsonschema:"relations with row counts and columns"`
}

// NodeEdgesArgs defines the input for node_edges tool.
type NodeEdgesArgs struct {
	ID    string `json:"id" jsonschema:"node ID appearing as subject or object"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of edges to return"`
}

// NodeEdgesResult wraps denormalized edge rows.
type NodeEdgesResult struct {
	Edges []map[string]any `json:"edges" jsonschema:"denormalized edges of the node"`
}

// registerTools registers all available MCP tools.
func (s *Server) registerTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "lookup_closure",
		Description: "Look up nodes by ID and return each node's name, category, namespace, ancestor closure (self first) and closure labels.",
	}, s.handleLookupClosure)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "describe_store",
		Description: "List the relations of the knowledge graph store (nodes, edges, closure and the derived relations) with row counts and columns.",
	}, s.handleDescribeStore)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "node_edges",
		Description: "Return denormalized edges whose subject or object is the given node, including the closure columns of both endpoints.",
	}, s.handleNodeEdges)
}

func (s *Server) handleLookupClosure(ctx context.Context, _ *mcp.CallToolRequest, args LookupClosureArgs) (*mcp.CallToolResult, LookupClosureResult, error) {
	if len(args.IDs) == 0 {
		return nil, LookupClosureResult{}, fmt.Errorf("ids must not be empty")
	}
	if len(args.IDs) > maxLookupIDs {
		return nil, LookupClosureResult{}, fmt.Errorf("at most %d ids per call, got %d", maxLookupIDs, len(args.IDs))
	}

	entries, err := s.aggregator.Lookup(ctx, args.IDs...)
	if err != nil {
		return nil, LookupClosureResult{}, fmt.Errorf("closure lookup failed: %w", err)
	}

	res := LookupClosureResult{Nodes: make([]NodeClosure, len(entries))}
	for i, e := range entries {
		res.Nodes[i] = NodeClosure{
			ID:            e.ID,
			Found:         e.Found,
			Name:          e.Name,
			Category:      e.Category,
			Namespace:     e.Namespace,
			Closure:       e.Closure,
			ClosureLabels: e.Labels,
		}
	}
	return nil, res, nil
}

func (s *Server) handleDescribeStore(ctx context.Context, _ *mcp.CallToolRequest, _ DescribeStoreArgs) (*mcp.CallToolResult, DescribeStoreResult, error) {
	var res DescribeStoreResult
	for _, name := range []string{
		kgx.NodesTable, kgx.EdgesTable, kgx.ClosureTable,
		kgx.NodeClosureTable, kgx.DenormalizedEdgesTable, kgx.DenormalizedNodesTable,
	} {
		ok, err := s.store.RelationExists(ctx, "", name)
		if err != nil {
			return nil, DescribeStoreResult{}, err
		}
		if !ok {
			continue
		}
		cols, err := s.store.Columns(ctx, "", name)
		if err != nil {
			return nil, DescribeStoreResult{}, err
		}
		rows, err := s.store.Count(ctx, name)
		if err != nil {
			return nil, DescribeStoreResult{}, err
		}
		res.Relations = append(res.Relations, RelationInfo{Name: name, Rows: rows, Columns: cols.Names()})
	}
	return nil, res, nil
}

func (s *Server) handleNodeEdges(ctx context.Context, _ *mcp.CallToolRequest, args NodeEdgesArgs) (*mcp.CallToolResult, NodeEdgesResult, error) {
	if strings.TrimSpace(args.ID) == "" {
		return nil, NodeEdgesResult{}, fmt.Errorf("id must not be empty")
	}
	limit := args.Limit
	if limit <= 0 {
		limit = defaultEdgeLimit
	}
	if limit > maxEdgeLimit {
		limit = maxEdgeLimit
	}

	if err := s.store.RequireRelations(ctx, "", kgx.DenormalizedEdgesTable); err != nil {
		return nil, NodeEdgesResult{}, err
	}
	query := fmt.Sprintf(`SELECT * FROM %s WHERE CAST(subject AS VARCHAR) = ? OR CAST(object AS VARCHAR) = ? LIMIT %d`,
		kgx.QuoteIdent(kgx.DenormalizedEdgesTable), limit)
	rows, err := s.store.DB().QueryContext(ctx, query, args.ID, args.ID)
	if err != nil {
		return nil, NodeEdgesResult{}, fmt.Errorf("failed to query edges: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, NodeEdgesResult{}, err
	}
	res := NodeEdgesResult{Edges: []map[string]any{}}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, NodeEdgesResult{}, fmt.Errorf("failed to scan edge: %w", err)
		}
		edge := make(map[string]any, len(cols))
		for i, c := range cols {
			edge[c] = values[i]
		}
		res.Edges = append(res.Edges, edge)
	}
	if err := rows.Err(); err != nil {
		return nil, NodeEdgesResult{}, err
	}
	return nil, res, nil
}

// Connect serves a single session over transport, for in-process clients.
func (s *Server) Connect(ctx context.Context, transport mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcpServer.Connect(ctx, transport, nil)
}

// Start starts the MCP server using stdio transport.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting closurizer MCP server on stdio")
	return s.mcpServer.Run(ctx, &mcp.StdioTransport{})
}
