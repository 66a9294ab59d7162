package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sync_checkpoints (
	vault BYTEA PRIMARY KEY,
	last_scanned_block BIGINT NOT NULL,
	block_offset BIGINT NOT NULL,
	snapshot_id BYTEA,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT vault_len CHECK (octet_length(vault) = 20),
	CONSTRAINT last_scanned_block_positive CHECK (last_scanned_block > 0),
	CONSTRAINT block_offset_nonnegative CHECK (block_offset >= 0),
	CONSTRAINT snapshot_id_len CHECK (snapshot_id IS NULL OR octet_length(snapshot_id) = 32)
);

CREATE INDEX IF NOT EXISTS sync_checkpoints_updated_idx ON sync_checkpoints (updated_at);
`
