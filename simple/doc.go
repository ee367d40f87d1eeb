// Package simple provides a high-level, batteries-included API for QuipoDB.
//
// # Philosophy
//
// The Simple API is designed for rapid prototyping, demos, and applications that
// prioritize developer experience over fine-grained control. It provides:
//
//   - Automatic configuration from environment variables
//   - Type-safe CRUD operations using generics
//   - An always-on read cache
//   - Graceful degradation when Redis is unavailable
//
// # Quick Start
//
// Create a struct with tags and start storing data:
//
//	type User struct {
//	    ID    string `json:"id" sb:"id"`
//	    Email string `json:"email"`
//	    Name  string `json:"name"`
//	}
//
//	db := simple.MustConnect(ctx)
//	defer db.Close()
//
//	users, err := simple.NewCollection[User](ctx, db)
//	user, err := users.Create(ctx, &User{
//	    Email: "alice@example.com",
//	    Name:  "Alice",
//	})
//
// # Struct Tags
//
// The ID field is the one tagged sb:"id", or else the field named ID. Its
// JSON name becomes the collection's primary key. Empty IDs are filled with
// a generated UUIDv7 on Create.
//
// # Configuration
//
// Connect auto-detects its configuration from the environment:
//
//   - QUIPODB_CONFIG: YAML configuration file (see quipodb.LoadConfig)
//   - DATA_PATH: directory of the JSON data file (default: "./data")
//   - REDIS_ADDR: adds a Redis provider when the server answers
//   - REDIS_PASSWORD, REDIS_DB: Redis credentials and database number
//
// QUIPODB_* variables override any configuration (see quipodb.Config.ApplyEnv).
//
// Example .env file:
//
//	DATA_PATH=./myapp-data
//	REDIS_ADDR=localhost:6379
//
// # Error Handling
//
// The Simple API provides two initialization styles:
//
// 1. Connect() - Returns error for production use:
//
//	db, err := simple.Connect(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
// 2. MustConnect() - Panics on error for demos/prototypes:
//
//	db := simple.MustConnect(ctx)
//	defer db.Close()
//
// Lookups that find nothing return errors wrapping quipodb.ErrNotFound.
//
// # Updates
//
// Update replaces the stored item. Modify reads the item, lets a function
// change it and writes it back; returning an error from the function aborts
// the write. Fields stored in the document but unknown to the Go type are
// preserved by Modify.
//
//	user, err := users.Modify(ctx, id, func(u *User) error {
//	    u.Name = "Alice B."
//	    return nil
//	})
//
// # Queries
//
// Find and FindOne match a single field. Query exposes the full quipodb.Query
// chain and stores whatever the chain changed:
//
//	admins, err := users.Find(ctx, "role", "admin")
//
//	n, err := users.Query(ctx, func(q *quipodb.Query) {
//	    q.Where("age").Gte(18).Where("credits").Add(10)
//	})
//
// # Escape Hatch
//
// Use Core() to reach the underlying quipodb.DB and Collection.Docs() for the
// collection handle:
//
//	core := db.Core()
//	docs := users.Docs()
package simple
