package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS videos (
			id TEXT PRIMARY KEY,
			aid INTEGER NOT NULL DEFAULT 0,
			url TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL,
			uploader_name TEXT NOT NULL DEFAULT '',
			uploader_id INTEGER NOT NULL DEFAULT 0,
			cover_url TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '[]',
			description TEXT NOT NULL DEFAULT '',
			duration_seconds INTEGER NOT NULL DEFAULT 0,
			publish_time TEXT NOT NULL,
			view_count INTEGER NOT NULL DEFAULT 0,
			favorite_count INTEGER NOT NULL DEFAULT 0,
			like_count INTEGER NOT NULL DEFAULT 0,
			coin_count INTEGER NOT NULL DEFAULT 0,
			share_count INTEGER NOT NULL DEFAULT 0,
			danmaku_count INTEGER NOT NULL DEFAULT 0,
			reply_count INTEGER NOT NULL DEFAULT 0,
			source_keyword TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			crawled_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS video_enrichments (
			video_id TEXT PRIMARY KEY,
			subject TEXT NOT NULL DEFAULT '',
			knowledge_points TEXT NOT NULL DEFAULT '[]',
			difficulty TEXT NOT NULL DEFAULT '',
			quality_score REAL NOT NULL DEFAULT 0,
			engagement_score REAL NOT NULL DEFAULT 0,
			duration_score REAL NOT NULL DEFAULT 0,
			freshness_score REAL NOT NULL DEFAULT 0,
			uploader_score REAL NOT NULL DEFAULT 0,
			is_recommended INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (video_id) REFERENCES videos(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS app_settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_videos_publish ON videos(publish_time DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_videos_updated ON videos(updated_at);`,
		`CREATE INDEX IF NOT EXISTS idx_videos_uploader ON videos(uploader_id);`,
		`CREATE INDEX IF NOT EXISTS idx_enrich_subject_score ON video_enrichments(subject, quality_score DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_enrich_difficulty ON video_enrichments(difficulty);`,
		`CREATE INDEX IF NOT EXISTS idx_enrich_updated ON video_enrichments(updated_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
