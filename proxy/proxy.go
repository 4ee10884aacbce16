// Package proxy serves a Postgres wire endpoint backed by DuckDB. SELECTs read
// table data files and metadata tables; ALTER TABLE ... EXECUTE runs
// maintenance procedures.
package proxy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"
	_ "github.com/marcboeker/go-duckdb"
	"go.uber.org/zap"

	"arctic-lake/config"
	"arctic-lake/iceberg"
	"arctic-lake/maintenance"
	"arctic-lake/metatables"
	"arctic-lake/metrics"
)

// DefaultNamespace resolves unqualified table names.
const DefaultNamespace = "public"

// Query kinds counted by metrics.ProxyQueries.
const (
	kindSelect    = "select"
	kindMetadata  = "metadata"
	kindProcedure = "procedure"
	kindError     = "error"
)

type DuckDBProxy struct {
	config    *config.Config
	logger    *zap.Logger
	db        *sql.DB
	listener  net.Listener
	catalog   *iceberg.Catalog
	engine    *maintenance.Engine
	projector *metatables.Projector
	namespace string
}

func NewDuckDBProxy(cfg *config.Config, cat *iceberg.Catalog, engine *maintenance.Engine) (*DuckDBProxy, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("opening duckdb: %w", err)
	}

	if err := loadExtensions(db, cfg.Iceberg.Storage == config.StorageS3); err != nil {
		db.Close()
		return nil, fmt.Errorf("loading extensions: %w", err)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Proxy.Port))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating listener: %w", err)
	}

	return &DuckDBProxy{
		config:    cfg,
		logger:    cat.Logger().Named("proxy"),
		db:        db,
		listener:  listener,
		catalog:   cat,
		engine:    engine,
		projector: metatables.NewProjector(cat.Storage()),
		namespace: DefaultNamespace,
	}, nil
}

func loadExtensions(db *sql.DB, remote bool) error {
	extensions := []string{"parquet"}
	if remote {
		extensions = append(extensions, "httpfs")
	}
	for _, ext := range extensions {
		if _, err := db.Exec(fmt.Sprintf("INSTALL %s; LOAD %s;", ext, ext)); err != nil {
			return fmt.Errorf("loading extension %s: %w", ext, err)
		}
	}
	return nil
}

func (p *DuckDBProxy) Addr() net.Addr {
	return p.listener.Addr()
}

// Start accepts connections until ctx is done.
func (p *DuckDBProxy) Start(ctx context.Context) error {
	p.logger.Info("proxy listening", zap.Stringer("addr", p.listener.Addr()))
	go func() {
		<-ctx.Done()
		p.listener.Close()
	}()
	defer p.db.Close()

	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			p.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		go p.handleConnection(ctx, conn)
	}
}

func (p *DuckDBProxy) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	backend := pgproto3.NewBackend(conn, conn)
	if err := p.startup(conn, backend); err != nil {
		p.logger.Debug("startup failed", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		return
	}

	for {
		msg, err := backend.Receive()
		if err != nil {
			return
		}

		switch msg := msg.(type) {
		case *pgproto3.Query:
			p.handleQuery(ctx, backend, msg.String)
			if err := backend.Flush(); err != nil {
				return
			}
		case *pgproto3.Terminate:
			return
		default:
			p.sendError(backend, fmt.Errorf("unsupported message %T", msg))
			if err := backend.Flush(); err != nil {
				return
			}
		}
	}
}

// startup answers SSL negotiation with "N" and accepts any startup message.
func (p *DuckDBProxy) startup(conn net.Conn, backend *pgproto3.Backend) error {
	for {
		msg, err := backend.ReceiveStartupMessage()
		if err != nil {
			return err
		}
		switch msg.(type) {
		case *pgproto3.SSLRequest, *pgproto3.GSSEncRequest:
			if _, err := conn.Write([]byte("N")); err != nil {
				return err
			}
			continue
		case *pgproto3.CancelRequest:
			return errors.New("cancel request")
		}

		backend.Send(&pgproto3.AuthenticationOk{})
		backend.Send(&pgproto3.ParameterStatus{Name: "server_version", Value: "16.0"})
		backend.Send(&pgproto3.ParameterStatus{Name: "client_encoding", Value: "UTF8"})
		backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
		return backend.Flush()
	}
}

func (p *DuckDBProxy) handleQuery(ctx context.Context, backend *pgproto3.Backend, query string) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" || trimmed == ";" {
		backend.Send(&pgproto3.EmptyQueryResponse{})
		backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
		return
	}

	kind, err := p.dispatch(ctx, backend, trimmed)
	if err != nil {
		metrics.ProxyQueries.WithLabelValues(kindError).Inc()
		p.logger.Info("query failed", zap.String("query", trimmed), zap.Error(err))
		p.sendError(backend, err)
		return
	}
	metrics.ProxyQueries.WithLabelValues(kind).Inc()
	backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
}

func (p *DuckDBProxy) dispatch(ctx context.Context, backend *pgproto3.Backend, query string) (string, error) {
	cmd, ok, err := ParseCommand(query)
	if err != nil {
		return "", err
	}
	if ok {
		summary, err := Execute(ctx, p.engine, ResolveTable(cmd.Table, p.namespace), cmd)
		if err != nil {
			return "", err
		}
		p.logger.Info("executed procedure", zap.String("table", cmd.Table), zap.String("procedure", cmd.Procedure), zap.String("summary", summary))
		backend.Send(&pgproto3.NoticeResponse{Severity: "NOTICE", Code: "00000", Message: summary})
		backend.Send(&pgproto3.CommandComplete{CommandTag: []byte("ALTER TABLE")})
		return kindProcedure, nil
	}

	plan, err := p.planQuery(ctx, query)
	if err != nil {
		return "", err
	}
	if err := p.run(ctx, backend, plan); err != nil {
		return "", err
	}
	if plan.metadata {
		return kindMetadata, nil
	}
	return kindSelect, nil
}

// run executes plan on a dedicated connection so its temporary relations are
// visible to the query and dropped with the connection.
func (p *DuckDBProxy) run(ctx context.Context, backend *pgproto3.Backend, plan *queryPlan) error {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	defer func() {
		for _, rel := range plan.relations {
			kind := "VIEW"
			if rel.result != nil {
				kind = "TABLE"
			}
			_, _ = conn.ExecContext(context.Background(), "DROP "+kind+" IF EXISTS "+rel.name)
		}
	}()

	if err := materialize(ctx, conn, plan); err != nil {
		return err
	}

	rows, err := conn.QueryContext(ctx, plan.sql)
	if err != nil {
		return err
	}
	defer rows.Close()

	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return err
	}
	if len(columnTypes) > 0 {
		backend.Send(rowDescription(columnTypes))
	}

	values := make([]any, len(columnTypes))
	scanArgs := make([]any, len(columnTypes))
	for i := range values {
		scanArgs[i] = &values[i]
	}

	n := 0
	for rows.Next() {
		if err := rows.Scan(scanArgs...); err != nil {
			return err
		}
		dataRow := &pgproto3.DataRow{Values: make([][]byte, len(values))}
		for i, val := range values {
			dataRow.Values[i] = encodeValue(val)
		}
		backend.Send(dataRow)
		n++
	}
	if err := rows.Err(); err != nil {
		return err
	}

	backend.Send(&pgproto3.CommandComplete{CommandTag: []byte(commandTag(plan.sql, n))})
	return nil
}

func (p *DuckDBProxy) sendError(backend *pgproto3.Backend, err error) {
	backend.Send(&pgproto3.ErrorResponse{
		Severity: "ERROR",
		Code:     sqlState(err),
		Message:  err.Error(),
	})
	backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
}

func sqlState(err error) string {
	switch {
	case errors.Is(err, iceberg.ErrNotFound):
		return "42P01"
	case errors.Is(err, iceberg.ErrValidation), errors.Is(err, iceberg.ErrRetentionTooLow):
		return "22023"
	case errors.Is(err, iceberg.ErrCommitConflict), errors.Is(err, iceberg.ErrCompactionConflict):
		return "40001"
	case errors.Is(err, iceberg.ErrForbidden):
		return "42501"
	default:
		return "XX000"
	}
}
