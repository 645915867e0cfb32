package utils

import (
	"reflect"
	"strconv"

	"github.com/gofiber/fiber/v2"
)

// Envelope is the uniform shape of every REST response.
type Envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Count   *int   `json:"count,omitempty"`
	Total   *int64 `json:"total,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func OK(c *fiber.Ctx, data any) error {
	return c.Status(fiber.StatusOK).JSON(Envelope{Success: true, Data: data, Count: countOf(data)})
}

// Paged renders one page of a larger result together with the total size.
func Paged(c *fiber.Ctx, data any, total int64) error {
	return c.Status(fiber.StatusOK).JSON(Envelope{Success: true, Data: data, Count: countOf(data), Total: &total})
}

func Created(c *fiber.Ctx, data any) error {
	return c.Status(fiber.StatusCreated).JSON(Envelope{Success: true, Data: data})
}

func Message(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(Envelope{Success: status < 400, Message: msg})
}

// Fail renders err with the status derived from the error taxonomy. Server
// errors are not echoed to the client.
func Fail(c *fiber.Ctx, err error) error {
	status := StatusFor(err)
	msg := err.Error()
	if status >= fiber.StatusInternalServerError {
		msg = "Internal server error"
	}
	return c.Status(status).JSON(Envelope{Success: false, Message: msg})
}

func countOf(data any) *int {
	if data == nil {
		return nil
	}
	v := reflect.ValueOf(data)
	if v.Kind() != reflect.Slice {
		return nil
	}
	n := v.Len()
	return &n
}

// Page reads page/limit query parameters with the given default limit and
// an upper bound.
func Page(c *fiber.Ctx, defaultLimit, maxLimit int) (int, int) {
	page, err := strconv.Atoi(c.Query("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}
	limit, err := strconv.Atoi(c.Query("limit", strconv.Itoa(defaultLimit)))
	if err != nil || limit < 1 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return page, limit
}
