package proxy

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"arctic-lake/config"
	"arctic-lake/iceberg"
	"arctic-lake/maintenance"
)

var (
	executePattern = regexp.MustCompile(`(?is)^\s*ALTER\s+TABLE\s+("[^"]+"|[\w.]+)\s+EXECUTE\s+(\w+)\s*(?:\((.*?)\))?\s*(?:WHERE\s+(.+?))?\s*;?\s*$`)
	andPattern     = regexp.MustCompile(`(?i)\s+AND\s+`)
)

// Command is a parsed "ALTER TABLE t EXECUTE procedure(name => value) WHERE
// col = value" statement.
type Command struct {
	Table     string
	Procedure string
	Args      map[string]string
	Where     map[string]string
}

// ParseCommand reports whether query is a table procedure call and parses it.
func ParseCommand(query string) (*Command, bool, error) {
	m := executePattern.FindStringSubmatch(query)
	if m == nil {
		return nil, false, nil
	}
	cmd := &Command{
		Table:     strings.Trim(m[1], `"`),
		Procedure: strings.ToLower(m[2]),
		Args:      map[string]string{},
		Where:     map[string]string{},
	}

	if args := strings.TrimSpace(m[3]); args != "" {
		for _, arg := range strings.Split(args, ",") {
			name, value, ok := strings.Cut(arg, "=>")
			name = strings.ToLower(strings.TrimSpace(name))
			if !ok || name == "" {
				return nil, true, fmt.Errorf("%w: procedure arguments must be named: %q", iceberg.ErrValidation, strings.TrimSpace(arg))
			}
			cmd.Args[name] = unquote(value)
		}
	}

	if where := strings.TrimSpace(m[4]); where != "" {
		for _, cond := range andPattern.Split(where, -1) {
			col, value, ok := strings.Cut(cond, "=")
			col = strings.Trim(strings.TrimSpace(col), `"`)
			if !ok || col == "" {
				return nil, true, fmt.Errorf("%w: only col = value conditions are supported: %q", iceberg.ErrValidation, strings.TrimSpace(cond))
			}
			cmd.Where[col] = unquote(value)
		}
	}
	return cmd, true, nil
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return strings.ReplaceAll(s[1:len(s)-1], "''", "'")
	}
	return s
}

// ResolveTable maps "ns.table" or "table" to an identifier, the latter in
// namespace.
func ResolveTable(name, namespace string) iceberg.Identifier {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return iceberg.Identifier{Namespace: name[:i], Name: name[i+1:]}
	}
	return iceberg.Identifier{Namespace: namespace, Name: name}
}

// Execute runs cmd against the maintenance engine and returns a one-line
// summary of what it did.
func Execute(ctx context.Context, engine *maintenance.Engine, ident iceberg.Identifier, cmd *Command) (string, error) {
	if len(cmd.Where) > 0 && cmd.Procedure != maintenance.ProcOptimize {
		return "", fmt.Errorf("%w: %s does not accept a WHERE clause", iceberg.ErrValidation, cmd.Procedure)
	}

	switch cmd.Procedure {
	case maintenance.ProcOptimize:
		opts := maintenance.OptimizeOptions{PartitionFilter: cmd.Where}
		if v, ok := cmd.Args["file_size_threshold"]; ok {
			n, err := humanize.ParseBytes(v)
			if err != nil {
				return "", fmt.Errorf("%w: file_size_threshold: %w", iceberg.ErrValidation, err)
			}
			opts.FileSizeThreshold = int64(n)
		}
		res, err := engine.Optimize(ctx, ident, opts)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("optimize: rewrote %d files into %d (%d records)", res.RewrittenFiles, res.AddedFiles, res.Records), nil

	case maintenance.ProcOptimizeManifests:
		tbl, err := engine.OptimizeManifests(ctx, ident)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("optimize_manifests: table at version %d", tbl.Version), nil

	case maintenance.ProcExpireSnapshots:
		retention, err := retentionArg(engine, cmd)
		if err != nil {
			return "", err
		}
		expired, err := engine.ExpireSnapshots(ctx, ident, retention)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("expire_snapshots: expired %d snapshots", len(expired)), nil

	case maintenance.ProcRemoveOrphanFiles:
		retention, err := retentionArg(engine, cmd)
		if err != nil {
			return "", err
		}
		dryRun := false
		if v, ok := cmd.Args["dry_run"]; ok {
			if dryRun, err = strconv.ParseBool(v); err != nil {
				return "", fmt.Errorf("%w: dry_run: %w", iceberg.ErrValidation, err)
			}
		}
		res, err := engine.RemoveOrphanFiles(ctx, ident, retention, dryRun)
		if err != nil {
			return "", err
		}
		if res.DryRun {
			return fmt.Sprintf("remove_orphan_files: found %d orphan files", len(res.Files)), nil
		}
		return fmt.Sprintf("remove_orphan_files: removed %d files", len(res.Files)), nil

	case maintenance.ProcDropExtendedStats:
		if _, err := engine.DropExtendedStats(ctx, ident); err != nil {
			return "", err
		}
		return "drop_extended_stats: statistics removed", nil
	}
	return "", fmt.Errorf("%w: unknown procedure %q", iceberg.ErrValidation, cmd.Procedure)
}

func retentionArg(engine *maintenance.Engine, cmd *Command) (time.Duration, error) {
	v, ok := cmd.Args["retention_threshold"]
	if !ok {
		return engine.MinRetention(), nil
	}
	d, err := config.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: retention_threshold: %w", iceberg.ErrValidation, err)
	}
	return d, nil
}
