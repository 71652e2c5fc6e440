package store

const Schema = `
CREATE TABLE IF NOT EXISTS download_tasks (
	id TEXT PRIMARY KEY,
	song_id TEXT NOT NULL,
	title TEXT NOT NULL,
	artist TEXT,
	album_id TEXT,
	artwork_ref TEXT,
	source_url TEXT NOT NULL,
	local_path TEXT,
	status TEXT NOT NULL,
	total_bytes INTEGER DEFAULT 0,
	bytes_downloaded INTEGER DEFAULT 0,
	retry_count INTEGER DEFAULT 0,
	error_message TEXT,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_download_tasks_song_id ON download_tasks(song_id);
CREATE INDEX IF NOT EXISTS idx_download_tasks_album_id ON download_tasks(album_id);
CREATE INDEX IF NOT EXISTS idx_download_tasks_status ON download_tasks(status);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`
