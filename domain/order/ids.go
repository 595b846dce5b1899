package order

import (
	"time"

	"ordersaga/pkg/uuid"
)

func generateEventID() string { return uuid.New() }

func now() time.Time { return time.Now().UTC() }
