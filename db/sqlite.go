package db

import (
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"oncorisk/ml"
)

var database *sql.DB

// InitDB initializes the SQLite training ledger
func InitDB(path string) error {
	var err error
	database, err = sql.Open("sqlite3", path)
	if err != nil {
		return err
	}

	query := `
    CREATE TABLE IF NOT EXISTS training_runs (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        artifact_path TEXT NOT NULL,
        learning_rate REAL NOT NULL,
        auc REAL,
        type_accuracy REAL,
        loss REAL,
        train_rows INTEGER,
        test_rows INTEGER,
        searched INTEGER DEFAULT 0,
        duration_ms INTEGER,
        trained_at DATETIME NOT NULL
    );
    CREATE TABLE IF NOT EXISTS search_trials (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        run_id INTEGER NOT NULL,
        trial INTEGER NOT NULL,
        learning_rate REAL NOT NULL,
        auc REAL,
        type_accuracy REAL,
        status TEXT NOT NULL,
        error TEXT,
        duration_ms INTEGER,
        UNIQUE(run_id, trial),
        FOREIGN KEY(run_id) REFERENCES training_runs(id)
    );
    `

	_, err = database.Exec(query)
	return err
}

// Close closes the ledger if it was opened
func Close() error {
	if database == nil {
		return nil
	}
	err := database.Close()
	database = nil
	return err
}

type TrainingRun struct {
	ID           int64         `json:"id"`
	ArtifactPath string        `json:"artifact_path"`
	LearningRate float64       `json:"learning_rate"`
	AUC          float64       `json:"auc"`
	TypeAccuracy float64       `json:"type_accuracy"`
	Loss         float64       `json:"loss"`
	TrainRows    int           `json:"train_rows"`
	TestRows     int           `json:"test_rows"`
	Searched     bool          `json:"searched"`
	Duration     time.Duration `json:"duration"`
	TrainedAt    time.Time     `json:"trained_at"`
}

// SaveTrainingRun records a finished run and returns its id.
func SaveTrainingRun(run TrainingRun) (int64, error) {
	if database == nil {
		return 0, errors.New("database not initialized")
	}
	res, err := database.Exec(`
        INSERT INTO training_runs (
            artifact_path, learning_rate, auc, type_accuracy, loss,
            train_rows, test_rows, searched, duration_ms, trained_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `,
		run.ArtifactPath,
		run.LearningRate,
		run.AUC,
		run.TypeAccuracy,
		run.Loss,
		run.TrainRows,
		run.TestRows,
		run.Searched,
		run.Duration.Milliseconds(),
		run.TrainedAt.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func SaveTrials(runID int64, trials []ml.Trial) error {
	if database == nil {
		return errors.New("database not initialized")
	}
	if len(trials) == 0 {
		return nil
	}

	tx, err := database.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
        INSERT OR REPLACE INTO search_trials (
            run_id, trial, learning_rate, auc, type_accuracy, status, error, duration_ms
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    `)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, trial := range trials {
		if _, err := stmt.Exec(runID, trial.ID, trial.LearningRate, trial.AUC, trial.TypeAccuracy,
			trial.Status, trial.Error, trial.Duration.Milliseconds()); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// LoadTrainingLog returns recorded runs, newest first.
func LoadTrainingLog(limit int) ([]TrainingRun, error) {
	if database == nil {
		return nil, errors.New("database not initialized")
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := database.Query(`
        SELECT id, artifact_path, learning_rate, auc, type_accuracy, loss,
               train_rows, test_rows, searched, duration_ms, trained_at
        FROM training_runs
        ORDER BY trained_at DESC, id DESC
        LIMIT ?
    `, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]TrainingRun, 0)
	for rows.Next() {
		var run TrainingRun
		var durationMS int64
		if err := rows.Scan(&run.ID, &run.ArtifactPath, &run.LearningRate, &run.AUC, &run.TypeAccuracy,
			&run.Loss, &run.TrainRows, &run.TestRows, &run.Searched, &durationMS, &run.TrainedAt); err != nil {
			return nil, err
		}
		run.Duration = time.Duration(durationMS) * time.Millisecond
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// LoadTrials returns the search trials recorded for a run, in trial order.
func LoadTrials(runID int64) ([]ml.Trial, error) {
	if database == nil {
		return nil, errors.New("database not initialized")
	}
	rows, err := database.Query(`
        SELECT trial, learning_rate, auc, type_accuracy, status, error, duration_ms
        FROM search_trials
        WHERE run_id = ?
        ORDER BY trial
    `, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	trials := make([]ml.Trial, 0)
	for rows.Next() {
		var trial ml.Trial
		var errText sql.NullString
		var durationMS int64
		if err := rows.Scan(&trial.ID, &trial.LearningRate, &trial.AUC, &trial.TypeAccuracy,
			&trial.Status, &errText, &durationMS); err != nil {
			return nil, err
		}
		trial.Error = errText.String
		trial.Duration = time.Duration(durationMS) * time.Millisecond
		trials = append(trials, trial)
	}
	return trials, rows.Err()
}
