package db

import (
	"context"
	"database/sql"
	"time"
)

// StreamerRecord mirrors one row of the streamers table. Username is the
// stable unique key; twitch_id is resolved lazily and may be empty.
type StreamerRecord struct {
	Username         string
	TwitchID         string
	DownloadsEnabled bool
	Resolution       string
	StoragePath      string
	IsLive           bool
	Title            string
	LastTitle        string
	Thumbnail        string
	DownloadStatus   string
	ProfileImageURL  string
	OfflineImageURL  string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

const streamerColumns = `username, COALESCE(twitch_id,''), downloads_enabled, COALESCE(resolution,'best'),
	COALESCE(storage_path,''), is_live, COALESCE(title,'Offline'), COALESCE(last_title,''),
	COALESCE(thumbnail,''), COALESCE(download_status,''), COALESCE(profile_image_url,''),
	COALESCE(offline_image_url,''), created_at, COALESCE(updated_at, created_at)`

func scanStreamer(row interface{ Scan(...any) error }) (StreamerRecord, error) {
	var s StreamerRecord
	err := row.Scan(&s.Username, &s.TwitchID, &s.DownloadsEnabled, &s.Resolution,
		&s.StoragePath, &s.IsLive, &s.Title, &s.LastTitle,
		&s.Thumbnail, &s.DownloadStatus, &s.ProfileImageURL,
		&s.OfflineImageURL, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

// UpsertStreamer inserts or fully replaces a streamer row keyed by username.
func UpsertStreamer(ctx context.Context, dbx *sql.DB, s StreamerRecord) error {
	q := `INSERT INTO streamers(username, twitch_id, downloads_enabled, resolution, storage_path,
			is_live, title, last_title, thumbnail, download_status, profile_image_url, offline_image_url, updated_at)
		  VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NOW())
		  ON CONFLICT(username) DO UPDATE SET
			twitch_id=EXCLUDED.twitch_id,
			downloads_enabled=EXCLUDED.downloads_enabled,
			resolution=EXCLUDED.resolution,
			storage_path=EXCLUDED.storage_path,
			is_live=EXCLUDED.is_live,
			title=EXCLUDED.title,
			last_title=EXCLUDED.last_title,
			thumbnail=EXCLUDED.thumbnail,
			download_status=EXCLUDED.download_status,
			profile_image_url=EXCLUDED.profile_image_url,
			offline_image_url=EXCLUDED.offline_image_url,
			updated_at=NOW()`
	_, err := dbx.ExecContext(ctx, q, s.Username, s.TwitchID, s.DownloadsEnabled, s.Resolution,
		s.StoragePath, s.IsLive, s.Title, s.LastTitle, s.Thumbnail, s.DownloadStatus,
		s.ProfileImageURL, s.OfflineImageURL)
	return err
}

// GetStreamer loads one streamer row. Returns sql.ErrNoRows when absent.
func GetStreamer(ctx context.Context, dbx *sql.DB, username string) (StreamerRecord, error) {
	row := dbx.QueryRowContext(ctx, `SELECT `+streamerColumns+` FROM streamers WHERE username = $1`, username)
	return scanStreamer(row)
}

// ListStreamers returns all streamer rows ordered by username.
func ListStreamers(ctx context.Context, dbx *sql.DB) ([]StreamerRecord, error) {
	rows, err := dbx.QueryContext(ctx, `SELECT `+streamerColumns+` FROM streamers ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StreamerRecord
	for rows.Next() {
		s, err := scanStreamer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteStreamer removes a streamer row; deleting a missing row is not an error.
func DeleteStreamer(ctx context.Context, dbx *sql.DB, username string) error {
	_, err := dbx.ExecContext(ctx, `DELETE FROM streamers WHERE username = $1`, username)
	return err
}
