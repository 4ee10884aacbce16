package iceberg

import (
	"strings"
)

// Table properties understood by the engine.
const (
	PropertyFormat                  = "write.format.default"
	PropertyParquetCompression      = "write.parquet.compression-codec"
	PropertyTargetFileSize          = "write.target-file-size-bytes"
	PropertyMetadataCompression     = "write.metadata.compression-codec"
	PropertyPreviousVersionsMax     = "write.metadata.previous-versions-max"
	PropertyDeleteAfterCommit       = "write.metadata.delete-after-commit.enabled"
	PropertyDataPath                = "write.data.path"
	PropertyMetadataPath            = "write.metadata.path"
	PropertyManifestTargetSize      = "commit.manifest.target-size-bytes"
	PropertyCommitNumRetries        = "commit.retry.num-retries"
	PropertyCommitMinWaitMs         = "commit.retry.min-wait-ms"
	PropertyCommitMaxWaitMs         = "commit.retry.max-wait-ms"
	PropertyMinSnapshotsToKeep      = "history.expire.min-snapshots-to-keep"
	PropertyMaxSnapshotAgeMs        = "history.expire.max-snapshot-age-ms"
	PropertyMaxRefAgeMs             = "history.expire.max-ref-age-ms"
)

const (
	DefaultPreviousVersionsMax = 100
	DefaultTargetFileSize      = 512 << 20
	DefaultCommitNumRetries    = 4
	DefaultCommitMinWaitMs     = 100
	DefaultCommitMaxWaitMs     = 60000
	DefaultMinSnapshotsToKeep  = 1
)

func defaultProperties() map[string]string {
	return map[string]string{
		PropertyFormat:             "parquet",
		PropertyParquetCompression: "zstd",
	}
}

var allowedMetadataProperties = map[string]bool{
	PropertyMetadataCompression: true,
	PropertyPreviousVersionsMax: true,
	PropertyDeleteAfterCommit:   true,
}

// validateProperties rejects keys that would move files outside the table
// location or that the engine manages itself.
func validateProperties(props map[string]string) error {
	for k, v := range props {
		switch {
		case k == "":
			return validationErr("empty property key")
		case k == PropertyDataPath || k == PropertyMetadataPath:
			return validationErr("property %s cannot be set", k)
		case strings.HasPrefix(k, "write.metadata.") && !allowedMetadataProperties[k]:
			return validationErr("property %s cannot be set", k)
		case k == PropertyMetadataCompression && v != CodecNone && v != CodecGzip:
			return validationErr("unsupported metadata compression %q", v)
		case k == PropertyFormat && !strings.EqualFold(v, "parquet"):
			return validationErr("unsupported file format %q", v)
		}
	}
	return nil
}
