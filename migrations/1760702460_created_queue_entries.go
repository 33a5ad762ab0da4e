package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		// rows are written by the queue services through plain SQL, so the
		// collection stays superuser-only in the API
		collection := core.NewBaseCollection("queue_entries")

		collection.Fields.Add(
			&core.TextField{Name: "event_id", Required: true},
			&core.TextField{Name: "user_id", Required: true},
			&core.TextField{Name: "token", Required: true},
			&core.NumberField{Name: "position", OnlyInt: true},
			&core.SelectField{
				Name:      "status",
				Required:  true,
				MaxSelect: 1,
				Values:    []string{"waiting", "active", "completed", "expired"},
			},
			&core.DateField{Name: "created"},
			&core.DateField{Name: "activated"},
		)

		collection.AddIndex("idx_queue_entries_token", true, "token", "")
		collection.AddIndex("idx_queue_entries_open_user", true, "event_id, user_id", "status IN ('waiting', 'active')")
		collection.AddIndex("idx_queue_entries_event_position", false, "event_id, position", "")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("queue_entries")
		if err != nil {
			return err
		}
		return app.Delete(collection)
	})
}
