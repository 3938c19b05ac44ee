package events

import (
	"github.com/runforge/execore/pkg/engine"
	"github.com/runforge/execore/pkg/queue"
	"github.com/runforge/execore/pkg/secrets"
	"github.com/runforge/execore/pkg/services"
)

// The publisher is the one event sink every layer shares.
var (
	_ queue.EventSink    = (*Publisher)(nil)
	_ engine.EventSink   = (*Publisher)(nil)
	_ secrets.Auditor    = (*Publisher)(nil)
	_ services.EventSink = (*Publisher)(nil)
)
