package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/CMSgov/dpc-app-sub000/internal/config"
	"github.com/CMSgov/dpc-app-sub000/internal/domain/aggregation"
	"github.com/CMSgov/dpc-app-sub000/internal/platform/db"
	"github.com/CMSgov/dpc-app-sub000/internal/platform/encryption"
	"github.com/CMSgov/dpc-app-sub000/internal/platform/fhir"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, db.Migrations(), schema)
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, db.Migrations(), schema).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	return cmd
}

type enqueueOptions struct {
	orgID         string
	orgNPI        string
	providerNPI   string
	types         string
	patients      string
	patientsFile  string
	since         string
	publicKeyFile string
	bulk          bool
}

func enqueueCmd() *cobra.Command {
	var opts enqueueOptions
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue an export job for a list of patients",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.QueueBackend != config.QueuePostgres {
				return fmt.Errorf("enqueue needs QUEUE_BACKEND=%s", config.QueuePostgres)
			}

			var patientSrc io.Reader
			if opts.patientsFile != "" {
				f, err := os.Open(opts.patientsFile)
				if err != nil {
					return fmt.Errorf("open patients file: %w", err)
				}
				defer f.Close()
				patientSrc = f
			}
			job, patients, err := buildJob(opts, patientSrc, time.Now().UTC())
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			ids, err := newQueue(cfg, pool).CreateJob(ctx, job, patients)
			if err != nil {
				return fmt.Errorf("create job: %w", err)
			}
			fmt.Printf("Queued job %s: %d patient(s) in %d batch(es)\n", job.ID, len(patients), len(ids))
			for _, id := range ids {
				fmt.Printf("  batch %s\n", id)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.orgID, "org", "", "Requesting organization ID")
	f.StringVar(&opts.orgNPI, "org-npi", "", "Requesting organization NPI")
	f.StringVar(&opts.providerNPI, "provider-npi", "", "Requesting provider NPI")
	f.StringVar(&opts.types, "types", strings.Join(fhir.ExportableTypes, ","), "Comma separated resource types")
	f.StringVar(&opts.patients, "patients", "", "Comma separated patient MBIs")
	f.StringVar(&opts.patientsFile, "patients-file", "", "File with one patient MBI per line")
	f.StringVar(&opts.since, "since", "", "Only export resources updated after this RFC 3339 time")
	f.StringVar(&opts.publicKeyFile, "public-key", "", "Recipient RSA public key (PEM) for encrypted output")
	f.BoolVar(&opts.bulk, "bulk", true, "Queue at bulk priority")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

// buildJob turns enqueue flags into a validated job. Patients come from the
// flag and, when non-nil, one per line from patientSrc.
func buildJob(opts enqueueOptions, patientSrc io.Reader, now time.Time) (aggregation.Job, []string, error) {
	orgID, err := uuid.Parse(opts.orgID)
	if err != nil {
		return aggregation.Job{}, nil, fmt.Errorf("invalid organization id %q: %w", opts.orgID, err)
	}

	job := aggregation.Job{
		ID:              uuid.New(),
		OrganizationID:  orgID,
		OrganizationNPI: opts.orgNPI,
		ProviderNPI:     opts.providerNPI,
		ResourceTypes:   splitList(opts.types),
		TransactionTime: now,
		Bulk:            opts.bulk,
	}
	if opts.since != "" {
		since, err := time.Parse(time.RFC3339, opts.since)
		if err != nil {
			return aggregation.Job{}, nil, fmt.Errorf("invalid since %q: %w", opts.since, err)
		}
		job.Since = &since
	}
	if opts.publicKeyFile != "" {
		key, err := os.ReadFile(opts.publicKeyFile)
		if err != nil {
			return aggregation.Job{}, nil, fmt.Errorf("read public key: %w", err)
		}
		if _, err := encryption.ParsePublicKey(key); err != nil {
			return aggregation.Job{}, nil, err
		}
		job.RecipientPublicKey = key
	}
	if err := aggregation.ValidateJob(job); err != nil {
		return aggregation.Job{}, nil, err
	}

	patients := splitList(opts.patients)
	if patientSrc != nil {
		sc := bufio.NewScanner(patientSrc)
		for sc.Scan() {
			if line := strings.TrimSpace(sc.Text()); line != "" && !strings.HasPrefix(line, "#") {
				patients = append(patients, line)
			}
		}
		if err := sc.Err(); err != nil {
			return aggregation.Job{}, nil, fmt.Errorf("read patients: %w", err)
		}
	}
	return job, patients, nil
}

func decryptCmd() *cobra.Command {
	var metadataPath, keyPath string
	cmd := &cobra.Command{
		Use:   "decrypt FILE",
		Short: "Decrypt an encrypted export file to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file := args[0]
			if metadataPath == "" {
				metadataPath = metadataPathFor(file)
			}

			ciphertext, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			metadata, err := os.ReadFile(metadataPath)
			if err != nil {
				return fmt.Errorf("read metadata: %w", err)
			}
			keyBytes, err := os.ReadFile(keyPath)
			if err != nil {
				return fmt.Errorf("read private key: %w", err)
			}
			key, err := encryption.ParsePrivateKey(keyBytes)
			if err != nil {
				return err
			}

			plaintext, err := encryption.Decrypt(metadata, ciphertext, key)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(plaintext)
			return err
		},
	}
	cmd.Flags().StringVar(&metadataPath, "metadata", "", "Metadata file (defaults to the file's sibling -metadata.json)")
	cmd.Flags().StringVar(&keyPath, "key", "", "Recipient RSA private key (PEM)")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

// metadataPathFor maps "<name>.ndjson.enc" to "<name>-metadata.json".
func metadataPathFor(file string) string {
	base := strings.TrimSuffix(strings.TrimSuffix(file, ".enc"), ".ndjson")
	return base + "-metadata.json"
}
