package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/adrianmcphee/quipodb"
	"github.com/adrianmcphee/quipodb/internal/export"
	"github.com/adrianmcphee/quipodb/internal/sqlquery"
	"github.com/spf13/cobra"
)

func newCollectionsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "collections",
		Short: "List collections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withDB(cmd.Context(), func(db *quipodb.DB) error {
				names, err := db.Collections(cmd.Context())
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			})
		},
	}
}

func newCreateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "create <collection>",
		Short: "Create a collection keyed by --pk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withDB(cmd.Context(), func(db *quipodb.DB) error {
				_, err := db.CreateCollection(cmd.Context(), args[0], quipodb.WithPrimaryKey(opts.primaryKey))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", args[0])
				return nil
			})
		},
	}
}

func newDropCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "drop <collection>",
		Short: "Delete a collection and its documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withDB(cmd.Context(), func(db *quipodb.DB) error {
				if _, err := sqlquery.Resolve(cmd.Context(), db, args[0], opts.primaryKey); err != nil {
					return err
				}
				return db.DeleteCollection(cmd.Context(), args[0])
			})
		},
	}
}

func newGetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <collection> [id]",
		Short: "Print one document, or the whole collection as NDJSON",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withDocs(cmd.Context(), args[0], func(docs *quipodb.Docs) error {
				if len(args) == 1 {
					all, err := docs.GetRaw(cmd.Context())
					if err != nil {
						return err
					}
					return export.NDJSON(cmd.OutOrStdout(), all)
				}
				doc, err := docs.FindDoc(cmd.Context(), byID(opts.primaryKey, args[1]))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), doc)
			})
		},
	}
}

func newPutCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "put <collection> [json]",
		Short: "Add documents (an object or an array; '-' or no argument reads stdin)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := "-"
			if len(args) == 2 {
				input = args[1]
			}
			docs, err := readDocuments(cmd.InOrStdin(), input)
			if err != nil {
				return err
			}
			return opts.withDocs(cmd.Context(), args[0], func(coll *quipodb.Docs) error {
				created, err := coll.CreateDoc(cmd.Context(), docs...)
				if err != nil {
					return err
				}
				return export.NDJSON(cmd.OutOrStdout(), created)
			})
		},
	}
}

func newUpdateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "update <collection> <id> <json>",
		Short: "Update a document; fields overwrite, $add/$subtract/$multiply/$divide/$push apply operators",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			docs, err := readDocuments(cmd.InOrStdin(), args[2])
			if err != nil {
				return err
			}
			if len(docs) != 1 {
				return fmt.Errorf("%w: update takes a single object", quipodb.ErrInvalidData)
			}
			return opts.withDocs(cmd.Context(), args[0], func(coll *quipodb.Docs) error {
				updated, err := coll.UpdateDoc(cmd.Context(), byID(opts.primaryKey, args[1]), docs[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), updated)
			})
		},
	}
}

func newDeleteCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <collection> <id>",
		Short: "Delete a document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withDocs(cmd.Context(), args[0], func(docs *quipodb.Docs) error {
				return docs.DeleteDoc(cmd.Context(), byID(opts.primaryKey, args[1]))
			})
		},
	}
}

func newQueryCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "query <sql>",
		Short: "Run a SQL statement (CREATE/DROP TABLE, SELECT, INSERT, UPDATE, DELETE)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withDB(cmd.Context(), func(db *quipodb.DB) error {
				res, err := sqlquery.NewExecutor(db, opts.primaryKey).Execute(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if res.Rows {
					if err := export.NDJSON(cmd.OutOrStdout(), res.Docs); err != nil {
						return err
					}
					fmt.Fprintln(cmd.ErrOrStderr(), res.Message)
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), res.Message)
				return nil
			})
		},
	}
}

func newExportCmd(opts *options) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "export [collection...]",
		Short: "Export collections as a PostgreSQL script or NDJSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "sql" && format != "ndjson" {
				return fmt.Errorf("%w: unknown export format %q", quipodb.ErrInvalidConfig, format)
			}
			return opts.withDB(cmd.Context(), func(db *quipodb.DB) error {
				names := args
				if len(names) == 0 {
					all, err := db.Collections(cmd.Context())
					if err != nil {
						return err
					}
					names = all
				}

				var colls []export.Collection
				for _, name := range names {
					docs, err := sqlquery.Resolve(cmd.Context(), db, name, opts.primaryKey)
					if err != nil {
						return err
					}
					raw, err := docs.GetRaw(cmd.Context())
					if err != nil {
						return err
					}
					colls = append(colls, export.Collection{Name: name, PrimaryKey: docs.PrimaryKey(), Docs: raw})
				}

				if format == "sql" {
					return export.SQL(cmd.OutOrStdout(), colls)
				}
				for _, c := range colls {
					if err := export.NDJSON(cmd.OutOrStdout(), c.Docs); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "sql", "Output format: sql|ndjson")
	return cmd
}

// byID selects the document whose primary key prints as id, so numeric
// keys can be addressed from the command line.
func byID(primaryKey, id string) quipodb.Selector {
	return func(docs []quipodb.Document) quipodb.Document {
		for _, doc := range docs {
			if v, ok := doc[primaryKey]; ok && fmt.Sprint(v) == id {
				return doc
			}
		}
		return nil
	}
}

func readDocuments(stdin io.Reader, input string) ([]quipodb.Document, error) {
	var data []byte
	if input == "-" {
		read, err := io.ReadAll(stdin)
		if err != nil {
			return nil, err
		}
		data = read
	} else {
		data = []byte(input)
	}

	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var docs []quipodb.Document
		if err := json.Unmarshal(data, &docs); err != nil {
			return nil, fmt.Errorf("%w: %v", quipodb.ErrInvalidData, err)
		}
		return docs, nil
	}
	var doc quipodb.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", quipodb.ErrInvalidData, err)
	}
	return []quipodb.Document{doc}, nil
}

func printJSON(w io.Writer, doc quipodb.Document) error {
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
