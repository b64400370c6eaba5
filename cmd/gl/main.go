package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"groundline/internal/app"
	"groundline/internal/config"
	"groundline/internal/db"
	"groundline/internal/domain"
	"groundline/internal/engine"
	"groundline/internal/migrate"
	"groundline/internal/server"
	"groundline/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "gl",
	Short: "Groundline CLI",
	Long: `Groundline curates question/answer work items with safe concurrent editing.
Items live in one dataset, partitioned into buckets by item ID. Curators
claim drafts with 'gl assign', edit and save them, and approve or skip
to finish. Every save is guarded by an etag so two curators can never
silently overwrite each other; claims expire after a TTL so abandoned
items return to the pool.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GROUNDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("curator-id", "local-user", "curator identifier")
	rootCmd.PersistentFlags().String("dataset", "", "dataset id (overrides single-dataset default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("curator-id", rootCmd.PersistentFlags().Lookup("curator-id"))
	_ = viper.BindPFlag("dataset", rootCmd.PersistentFlags().Lookup("dataset"))
}

func registerCommands() {
	rootCmd.AddCommand(datasetCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(assignCmd())
	rootCmd.AddCommand(releaseCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func datasetCmd() *cobra.Command {
	ds := &cobra.Command{Use: "dataset", Short: "Manage datasets"}
	ds.AddCommand(datasetListCmd())
	ds.AddCommand(datasetInitCmd())
	ds.AddCommand(datasetConfigCmd())
	return ds
}

func datasetListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List datasets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s store.Store) error {
				ids, err := s.ListDatasets(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(ids)
			})
		},
	}
}

func datasetInitCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a dataset with default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s store.Store) error {
				cfg := config.Default(id)
				if err := s.UpsertDatasetConfig(ctx, id, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "dataset id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func datasetConfigCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Manage dataset config"}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show dataset config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}

	var file string
	imp := &cobra.Command{
		Use:   "import",
		Short: "Import dataset config from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), func(ctx context.Context, s store.Store) error {
				if err := s.UpsertDatasetConfig(ctx, cfg.Dataset.ID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	imp.Flags().StringVar(&file, "file", "", "path to YAML config")
	_ = imp.MarkFlagRequired("file")

	cfgCmd.AddCommand(show, imp)
	return cfgCmd
}

func itemCmd() *cobra.Command {
	item := &cobra.Command{Use: "item", Short: "Manage work items"}
	item.AddCommand(itemListCmd())
	item.AddCommand(itemShowCmd())
	item.AddCommand(itemSaveCmd())
	item.AddCommand(itemDeleteCmd())
	item.AddCommand(itemRestoreCmd())
	item.AddCommand(itemDuplicateCmd())
	return item
}

func itemListCmd() *cobra.Command {
	var status, keyword, refURL, assignedTo string
	var tags []string
	var includeDeleted bool
	var page, pageSize int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				filter := store.Filter{
					Dataset:        e.Config.Dataset.ID,
					Status:         status,
					Tags:           tags,
					Keyword:        keyword,
					ReferenceURL:   refURL,
					AssignedTo:     assignedTo,
					IncludeDeleted: includeDeleted,
				}
				items, pg, err := e.Store.Query(ctx, filter, store.Sort{Field: "updated_at", Desc: true},
					store.Page{Number: page, Size: pageSize})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"items": items, "pagination": pg})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Version", "Assigned", "Tags", "Updated"})
				for _, it := range items {
					assigned := ""
					if it.AssignedTo != nil {
						assigned = *it.AssignedTo
					}
					tw.AppendRow(table.Row{it.ID, it.Status, it.Version, assigned, strings.Join(it.Tags, ","), it.UpdatedAt})
				}
				tw.Render()
				fmt.Printf("page %d/%d (%d items)\n", pg.Page, (pg.TotalCount+pg.PageSize-1)/pg.PageSize, pg.TotalCount)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag filter (repeatable, AND)")
	cmd.Flags().StringVar(&keyword, "q", "", "keyword filter")
	cmd.Flags().StringVar(&refURL, "ref-url", "", "reference URL filter")
	cmd.Flags().StringVar(&assignedTo, "assigned-to", "", "assignee filter")
	cmd.Flags().BoolVar(&includeDeleted, "include-deleted", false, "include soft-deleted items")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&pageSize, "page-size", 50, "page size")
	return cmd
}

func itemShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.Store.Get(ctx, keyFor(e.Config, args[0]))
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	return cmd
}

func itemSaveCmd() *cobra.Command {
	var file, nextStatus string
	cmd := &cobra.Command{
		Use:   "save <id>",
		Short: "Save an item from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var body struct {
				Turns      []domain.Turn      `json:"turns"`
				References []domain.Reference `json:"references"`
				Comment    string             `json:"comment"`
				Tags       []string           `json:"tags"`
				ETag       string             `json:"etag"`
			}
			if err := json.Unmarshal(data, &body); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ifMatch := body.ETag
				if ifMatch == "" {
					current, err := e.Store.Get(ctx, keyFor(e.Config, args[0]))
					if err != nil {
						return err
					}
					ifMatch = current.ETag
				}
				res, err := e.Save(ctx, engine.SaveRequest{
					Key:        keyFor(e.Config, args[0]),
					Turns:      body.Turns,
					References: body.References,
					Comment:    body.Comment,
					Tags:       body.Tags,
					NextStatus: nextStatus,
					IfMatch:    ifMatch,
					Actor:      viper.GetString("curator-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to item JSON")
	cmd.Flags().StringVar(&nextStatus, "status", "", "new status (draft, approved, skipped)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func itemDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Soft-delete an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key := keyFor(e.Config, args[0])
				current, err := e.Store.Get(ctx, key)
				if err != nil {
					return err
				}
				item, err := e.SoftDelete(ctx, key, current.ETag, viper.GetString("curator-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	return cmd
}

func itemRestoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <id>",
		Short: "Restore a soft-deleted item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.Restore(ctx, keyFor(e.Config, args[0]), "", viper.GetString("curator-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	return cmd
}

func itemDuplicateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "duplicate <id>",
		Short: "Clone an item into a fresh claimed draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				dup, err := e.Duplicate(ctx, keyFor(e.Config, args[0]), viper.GetString("curator-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(dup)
			})
		},
	}
	return cmd
}

func assignCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Claim draft items for the current curator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RequestAssignments(ctx, e.Config.Dataset.ID, viper.GetString("curator-id"), count)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("assigned %d of %d requested\n", res.AssignedCount, res.RequestedCount)
				for _, item := range res.Assigned {
					fmt.Printf("  %s (v%d)\n", item.ID, item.Version)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&count, "n", 1, "number of items to claim")
	return cmd
}

func releaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release <id>",
		Short: "Release a claimed item back to the pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Release(ctx, keyFor(e.Config, args[0]), viper.GetString("curator-id"))
			})
		},
	}
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Release expired claims",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				released, err := e.ReleaseExpired(ctx, e.Config.Dataset.ID)
				if err != nil {
					return err
				}
				fmt.Printf("released %d expired claim(s)\n", released)
				return nil
			})
		},
	}
	return cmd
}

func importCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Bulk import items from a JSON lines file",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.Import(ctx, e.Config.Dataset.ID, f, viper.GetString("curator-id"))
				if err != nil {
					return err
				}
				fmt.Printf("imported %d item(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to JSONL file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func exportCmd() *cobra.Command {
	var status string
	var includeDeleted bool
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export items as JSON lines to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				filter := store.Filter{
					Dataset:        e.Config.Dataset.ID,
					Status:         status,
					IncludeDeleted: includeDeleted,
				}
				_, err := e.Export(ctx, filter, os.Stdout)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().BoolVar(&includeDeleted, "include-deleted", false, "include soft-deleted items")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Dataset status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Store.CountByStatus(ctx, e.Config.Dataset.ID)
				if err != nil {
					return err
				}
				assignments, err := e.Store.ListAssignments(ctx, e.Config.Dataset.ID, "")
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"dataset":       e.Config.Dataset.ID,
					"status_counts": counts,
					"claimed":       len(assignments),
				})
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	logRoot := &cobra.Command{Use: "log", Short: "Event log"}
	logRoot.AddCommand(logTailCmd())
	return logRoot
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, itemID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Store.LatestEvents(ctx, n, e.Config.Dataset.ID, evtType, itemID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&itemID, "item-id", "", "item id filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys"}

	var userID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (prints the plaintext key once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s store.Store) error {
				plaintext := uuid.New().String()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					UserID:  userID,
					Name:    name,
					KeyHash: store.HashAPIKey(plaintext),
				}
				if err := s.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": key.ID, "user_id": userID, "key": plaintext})
			})
		},
	}
	create.Flags().StringVar(&userID, "user", "", "curator the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "key label")
	_ = create.MarkFlagRequired("user")

	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s store.Store) error {
				keys, err := s.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s store.Store) error {
				return s.DeleteAPIKey(ctx, args[0])
			})
		},
	}

	ak.AddCommand(create, list, del)
	return ak
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			s := store.New(conn)
			_, cfg, err := app.ResolveDatasetAndConfig(cmd.Context(), viper.GetString("dataset"), s)
			if err != nil {
				return err
			}
			log, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer log.Sync()
			e := engine.New(conn, cfg, log)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("GROUNDLINE_JWT_SECRET"), Logger: log}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("GROUNDLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Groundline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	s := store.New(conn)
	_, cfg, err := app.ResolveDatasetAndConfig(ctx, viper.GetString("dataset"), s)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, zap.NewNop())
	return fn(ctx, e)
}

func withStore(ctx context.Context, fn func(context.Context, store.Store) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, store.New(conn))
}

func keyFor(cfg *config.Config, id string) domain.Key {
	return domain.Key{Dataset: cfg.Dataset.ID, Bucket: cfg.BucketFor(id), ID: id}
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
