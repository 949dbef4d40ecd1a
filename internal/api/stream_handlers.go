package api

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/javi11/nzbstream/internal/mount"
	"github.com/javi11/nzbstream/internal/streamer"
)

// handleStream serves a mount's content with Range support. An optional
// file query parameter pins the stream to one manifest file.
func (s *Server) handleStream(c *fiber.Ctx) error {
	id := c.Params("id")

	fileIndex := -1
	if v := c.Query("file"); v != "" {
		idx, err := strconv.Atoi(v)
		if err != nil || idx < 0 {
			return RespondBadRequest(c, "Invalid file index", v)
		}
		fileIndex = idx
	}

	st, err := s.deps.Streams.OpenStream(c.Context(), id, fileIndex, c.Get(fiber.HeaderRange))
	if err != nil {
		switch {
		case errors.Is(err, mount.ErrNotFound):
			return RespondNotFound(c, "Mount", "")
		case errors.Is(err, mount.ErrNotReady):
			return RespondServiceUnavailable(c, "Mount is not ready for streaming", err.Error())
		case errors.Is(err, streamer.ErrUnsatisfiableRange):
			return c.SendStatus(fiber.StatusRequestedRangeNotSatisfiable)
		default:
			return RespondInternalError(c, "Failed to open stream", err.Error())
		}
	}

	c.Set(fiber.HeaderAcceptRanges, "bytes")
	c.Set(fiber.HeaderContentType, st.ContentType)
	c.Set(fiber.HeaderContentLength, strconv.FormatInt(st.ContentLength(), 10))
	if st.Partial {
		c.Set(fiber.HeaderContentRange,
			fmt.Sprintf("bytes %d-%d/%d", st.Range.Start, st.Range.End, st.TotalSize))
		c.Status(fiber.StatusPartialContent)
	} else {
		c.Status(fiber.StatusOK)
	}

	// fasthttp closes the stream once the body is sent.
	return c.SendStream(st, int(st.ContentLength()))
}
