// Package replication ingests Postgres logical replication changes into
// tables as append snapshots.
package replication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"

	"arctic-lake/config"
	"arctic-lake/iceberg"
	"arctic-lake/schema"
)

const standbyMessageTimeout = 10 * time.Second

type Replicator struct {
	config          *config.Config
	logger          *zap.Logger
	dbConn          *pgx.Conn
	replicationConn *pgconn.PgConn
	sink            *Sink
	schemaManager   *schema.Manager
	typeMap         *pgtype.Map
}

func NewReplicator(ctx context.Context, cfg *config.Config, cat *iceberg.Catalog) (*Replicator, error) {
	logger := cat.Logger().Named("replication")

	dbConn, err := pgx.Connect(ctx, cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	schemaManager := schema.NewSchemaManager(dbConn)
	for _, table := range cfg.Tables {
		if _, err := schemaManager.InitializeSchema(ctx, table.Schema, table.Name); err != nil {
			dbConn.Close(ctx)
			return nil, fmt.Errorf("initializing schema for %s.%s: %w", table.Schema, table.Name, err)
		}
	}

	sink, err := NewSink(cat, cfg.Tables)
	if err != nil {
		dbConn.Close(ctx)
		return nil, err
	}

	replicationConn, err := pgconn.Connect(ctx, cfg.ConnString()+"?replication=database")
	if err != nil {
		dbConn.Close(ctx)
		return nil, fmt.Errorf("connecting to postgres for replication: %w", err)
	}

	return &Replicator{
		config:          cfg,
		logger:          logger,
		dbConn:          dbConn,
		replicationConn: replicationConn,
		sink:            sink,
		schemaManager:   schemaManager,
		typeMap:         pgtype.NewMap(),
	}, nil
}

func (r *Replicator) Start(ctx context.Context) error {
	defer r.dbConn.Close(context.Background())
	defer r.replicationConn.Close(context.Background())

	if err := r.createReplicationSlot(ctx); err != nil {
		return fmt.Errorf("creating replication slot: %w", err)
	}
	return r.startReplication(ctx)
}

func (r *Replicator) createReplicationSlot(ctx context.Context) error {
	_, err := pglogrepl.CreateReplicationSlot(ctx, r.replicationConn, r.config.Postgres.Slot, "pgoutput", pglogrepl.CreateReplicationSlotOptions{
		Mode: pglogrepl.LogicalReplication,
	})
	if err != nil {
		var pgerr *pgconn.PgError
		if errors.As(err, &pgerr) && pgerr.Code == "42710" {
			r.logger.Info("reusing replication slot", zap.String("slot", r.config.Postgres.Slot))
			return nil
		}
		return err
	}
	r.logger.Info("created replication slot", zap.String("slot", r.config.Postgres.Slot))
	return nil
}

// startReplication resumes from the slot's confirmed position, which only
// advances past transactions whose snapshots are committed.
func (r *Replicator) startReplication(ctx context.Context) error {
	err := pglogrepl.StartReplication(ctx, r.replicationConn, r.config.Postgres.Slot, 0, pglogrepl.StartReplicationOptions{
		PluginArgs: []string{
			"proto_version '2'",
			"messages 'true'",
			fmt.Sprintf("publication_names '%s'", r.config.Postgres.Publication),
		},
	})
	if err != nil {
		return fmt.Errorf("starting replication: %w", err)
	}
	r.logger.Info("started replication",
		zap.String("slot", r.config.Postgres.Slot),
		zap.String("publication", r.config.Postgres.Publication))

	return r.handleReplication(ctx)
}

func (r *Replicator) handleReplication(ctx context.Context) error {
	var receivedLSN, committedLSN pglogrepl.LSN
	nextStandbyMessageDeadline := time.Now().Add(standbyMessageTimeout)
	inStream := false

	for {
		if time.Now().After(nextStandbyMessageDeadline) {
			err := pglogrepl.SendStandbyStatusUpdate(ctx, r.replicationConn, pglogrepl.StandbyStatusUpdate{
				WALWritePosition: receivedLSN,
				WALFlushPosition: committedLSN,
				WALApplyPosition: committedLSN,
			})
			if err != nil {
				return fmt.Errorf("sending standby status: %w", err)
			}
			r.logger.Debug("sent standby status", zap.Stringer("flushed", committedLSN))
			nextStandbyMessageDeadline = time.Now().Add(standbyMessageTimeout)
		}

		recvCtx, cancel := context.WithDeadline(ctx, nextStandbyMessageDeadline)
		rawMsg, err := r.replicationConn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) && ctx.Err() == nil {
				continue
			}
			return fmt.Errorf("receiving message: %w", err)
		}

		if errMsg, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			return fmt.Errorf("received Postgres WAL error: %+v", errMsg)
		}

		msg, ok := rawMsg.(*pgproto3.CopyData)
		if !ok {
			continue
		}
		if len(msg.Data) == 0 {
			return errors.New("empty CopyData message received")
		}

		switch msg.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
			if err != nil {
				return fmt.Errorf("parsing keepalive: %w", err)
			}
			if pkm.ServerWALEnd > receivedLSN {
				receivedLSN = pkm.ServerWALEnd
			}
			if pkm.ReplyRequested {
				nextStandbyMessageDeadline = time.Time{}
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
			if err != nil {
				return fmt.Errorf("parsing XLogData: %w", err)
			}
			if end := xld.WALStart + pglogrepl.LSN(len(xld.WALData)); end > receivedLSN {
				receivedLSN = end
			}

			logicalMsg, err := pglogrepl.ParseV2(xld.WALData, inStream)
			if err != nil {
				return fmt.Errorf("parsing logical replication message: %w", err)
			}

			committed, err := r.handleMessage(ctx, logicalMsg, &inStream)
			if err != nil {
				return err
			}
			if committed > committedLSN {
				committedLSN = committed
			}

		default:
			return fmt.Errorf("unknown replication message type: %c", msg.Data[0])
		}
	}
}

// handleMessage applies one pgoutput message and returns the source position
// made durable by it, or zero.
func (r *Replicator) handleMessage(ctx context.Context, logicalMsg pglogrepl.Message, inStream *bool) (pglogrepl.LSN, error) {
	switch m := logicalMsg.(type) {
	case *pglogrepl.RelationMessageV2:
		source := r.schemaManager.HandleRelationMessage(m)
		if err := r.sink.Relation(ctx, m.RelationID, source); err != nil {
			return 0, fmt.Errorf("handling relation message: %w", err)
		}

	case *pglogrepl.BeginMessage:
		r.logger.Debug("begin transaction", zap.Uint32("xid", m.Xid), zap.Stringer("final_lsn", m.FinalLSN))

	case *pglogrepl.CommitMessage:
		if err := r.sink.Commit(ctx, m.TransactionEndLSN); err != nil {
			return 0, fmt.Errorf("committing: %w", err)
		}
		return m.TransactionEndLSN, nil

	case *pglogrepl.InsertMessageV2:
		return 0, r.write(ctx, m.RelationID, m.Tuple)

	case *pglogrepl.UpdateMessageV2:
		return 0, r.write(ctx, m.RelationID, m.NewTuple)

	case *pglogrepl.DeleteMessageV2:
		r.logger.Debug("skipping delete", zap.Uint32("relation_id", m.RelationID), zap.Uint32("xid", m.Xid))

	case *pglogrepl.TruncateMessageV2:
		r.logger.Warn("skipping truncate", zap.Uint32s("relation_ids", m.RelationIDs))

	case *pglogrepl.LogicalDecodingMessageV2:
		r.logger.Debug("logical decoding message", zap.String("prefix", m.Prefix))

	case *pglogrepl.StreamStartMessageV2:
		*inStream = true
	case *pglogrepl.StreamStopMessageV2:
		*inStream = false
	case *pglogrepl.StreamCommitMessageV2:
		if err := r.sink.Commit(ctx, m.TransactionEndLSN); err != nil {
			return 0, fmt.Errorf("committing streamed transaction: %w", err)
		}
		return m.TransactionEndLSN, nil
	case *pglogrepl.StreamAbortMessageV2:
		r.sink.Rollback()

	default:
		r.logger.Debug("unknown message type in pgoutput stream", zap.String("type", fmt.Sprintf("%T", m)))
	}
	return 0, nil
}

func (r *Replicator) write(ctx context.Context, relationID uint32, tuple *pglogrepl.TupleData) error {
	source, err := r.schemaManager.GetSchema(relationID)
	if err != nil {
		return err
	}
	record, err := mapTupleToRecord(r.typeMap, tuple, source)
	if err != nil {
		return err
	}
	return r.sink.Insert(ctx, relationID, source, record)
}
