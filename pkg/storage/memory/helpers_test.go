package memory

import "github.com/ajitpratap0/nebuladb/pkg/models"

func newOrder(rid models.RID) *models.Record {
	rec := models.NewRecord("Order").Set("total", 42.5)
	rec.ID = rid
	return rec
}
