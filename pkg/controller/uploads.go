package controller

import (
	"github.com/twentyft/laksa/pkg/bus"
	"github.com/twentyft/laksa/pkg/log"
	"github.com/twentyft/laksa/pkg/metrics"
)

// uploadRequirements answers which of the offered layers still need to
// be uploaded
func (c *Controller) uploadRequirements(msg *bus.Message) error {
	needed, err := c.images.UploadRequirements(msg.Params.StrList("layers"))
	if err != nil {
		return Validation("%s", err.Error())
	}
	return c.transport.Reply(msg, bus.Params{"layers": needed}, nil)
}

// uploadSlab appends one decompressed slab to a layer's partial file
func (c *Controller) uploadSlab(msg *bus.Message) error {
	logLine, err := c.images.UploadSlab(msg.Params.Str("sha256"), msg.Params.Int("slab"), msg.Bulk)
	if err != nil {
		return Validation("%s", err.Error())
	}
	return c.transport.Reply(msg, bus.Params{"log": logLine}, nil)
}

// uploadComplete finalises a layer into the cache
func (c *Controller) uploadComplete(msg *bus.Message) error {
	logLine, err := c.images.UploadComplete(msg.Params.Str("sha256"))
	if err != nil {
		return Validation("%s", err.Error())
	}
	log.Info(logLine)
	metrics.LayersCached.Set(float64(c.images.CachedCount()))
	return c.transport.Reply(msg, bus.Params{"log": logLine}, nil)
}

// cacheDescription stores an opaque per-(user, image) blob
func (c *Controller) cacheDescription(msg *bus.Message) error {
	if err := c.model.CacheDescription(msg.Params.Bytes("user"), msg.Params.Str("image_id"), msg.Params["description"]); err != nil {
		return err
	}
	log.Logger.Debug().Str("image", msg.Params.Str("image_id")).Msg("cached description")
	return nil
}

// retrieveDescription answers a previously-cached blob, or empty on a
// miss
func (c *Controller) retrieveDescription(msg *bus.Message) error {
	desc, ok := c.model.RetrieveDescription(msg.Params.Bytes("user"), msg.Params.Str("image_id"))
	if !ok {
		log.Logger.Debug().Str("image", msg.Params.Str("image_id")).Msg("cache miss on descriptions")
		return c.transport.Reply(msg, nil, nil)
	}
	log.Logger.Debug().Str("image", msg.Params.Str("image_id")).Msg("cache hit on descriptions")
	return c.transport.Reply(msg, bus.Params{"description": desc}, nil)
}
