package bqstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/bigquery"
	"github.com/illmade-knight/lorawan-bridge/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// BigQueryDatasetConfig holds configuration for the BigQuery inserter.
type BigQueryDatasetConfig struct {
	ProjectID       string
	DatasetID       string
	TableID         string
	CredentialsFile string // Optional: For production if not using ADC
}

// NewProductionBigQueryClient creates a BigQuery client, using the
// credentials file when one is configured and ADC otherwise.
func NewProductionBigQueryClient(ctx context.Context, cfg BigQueryDatasetConfig, logger zerolog.Logger, extra ...option.ClientOption) (*bigquery.Client, error) {
	opts := append([]option.ClientOption{}, extra...)
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		logger.Info().Str("credentials_file", cfg.CredentialsFile).Msg("Using specified credentials file for BigQuery client")
	} else {
		logger.Info().Msg("Using Application Default Credentials (ADC) for BigQuery client")
	}

	client, err := bigquery.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		logger.Error().Err(err).Str("project_id", cfg.ProjectID).Msg("Failed to create BigQuery client")
		return nil, fmt.Errorf("bigquery.NewClient: %w", err)
	}
	logger.Info().Str("project_id", cfg.ProjectID).Msg("BigQuery client created successfully.")
	return client, nil
}

// RecordInserter streams sensor records into a BigQuery table. It satisfies
// the harvester's Sink interface.
type RecordInserter struct {
	client     *bigquery.Client
	inserter   *bigquery.Inserter
	ownsClient bool
	logger     zerolog.Logger
}

// NewRecordInserter connects to the target table, creating it with
// SensorRecordSchema and daily partitioning if it does not exist. The client
// stays owned by the caller.
func NewRecordInserter(ctx context.Context, client *bigquery.Client, cfg BigQueryDatasetConfig, logger zerolog.Logger) (*RecordInserter, error) {
	if client == nil {
		return nil, errors.New("bigquery client cannot be nil")
	}
	if cfg.DatasetID == "" || cfg.TableID == "" {
		return nil, errors.New("bigquery dataset and table must be set")
	}
	logger = logger.With().
		Str("component", "RecordInserter").
		Str("project_id", client.Project()).
		Str("dataset_id", cfg.DatasetID).
		Str("table_id", cfg.TableID).
		Logger()

	tableRef := client.Dataset(cfg.DatasetID).Table(cfg.TableID)
	if _, err := tableRef.Metadata(ctx); err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("failed to get BigQuery table metadata: %w", err)
		}
		logger.Warn().Msg("BigQuery table not found. Attempting to create it.")
		meta := &bigquery.TableMetadata{
			Schema: SensorRecordSchema,
			TimePartitioning: &bigquery.TimePartitioning{
				Type:  bigquery.DayPartitioningType,
				Field: "recorded_at",
			},
		}
		if err := tableRef.Create(ctx, meta); err != nil {
			return nil, fmt.Errorf("failed to create BigQuery table %s.%s: %w", cfg.DatasetID, cfg.TableID, err)
		}
		logger.Info().Msg("BigQuery table created successfully.")
	} else {
		logger.Info().Msg("Successfully connected to existing BigQuery table.")
	}

	return &RecordInserter{
		client:   client,
		inserter: tableRef.Inserter(),
		logger:   logger,
	}, nil
}

// NewRecordInserterFromConfig creates its own client and closes it on Close.
func NewRecordInserterFromConfig(ctx context.Context, cfg BigQueryDatasetConfig, logger zerolog.Logger, extra ...option.ClientOption) (*RecordInserter, error) {
	client, err := NewProductionBigQueryClient(ctx, cfg, logger, extra...)
	if err != nil {
		return nil, err
	}
	ri, err := NewRecordInserter(ctx, client, cfg, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	ri.ownsClient = true
	return ri, nil
}

// Send streams a batch of records. Row-level failures are logged one by one.
func (i *RecordInserter) Send(ctx context.Context, records []types.SensorRecord) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]*SensorRow, len(records))
	for n := range records {
		rows[n] = &SensorRow{Record: records[n]}
	}

	if err := i.inserter.Put(ctx, rows); err != nil {
		i.logger.Error().Err(err).Int("batch_size", len(rows)).Msg("Failed to insert rows into BigQuery")
		var multiErr bigquery.PutMultiError
		if errors.As(err, &multiErr) {
			for _, rowErr := range multiErr {
				i.logger.Error().
					Int("row_index", rowErr.RowIndex).
					Msgf("BigQuery insert error for row: %v", rowErr.Errors)
			}
		}
		return fmt.Errorf("bigquery Inserter.Put failed: %w", err)
	}

	i.logger.Debug().Int("batch_size", len(rows)).Msg("Successfully inserted batch into BigQuery")
	return nil
}

// Close releases the client if the inserter created it.
func (i *RecordInserter) Close() error {
	if !i.ownsClient {
		return nil
	}
	return i.client.Close()
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}
