package api

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mitchellh/mapstructure"
)

// scheduleInput is a create or update request. Pointer fields distinguish
// "absent" from zero; present records which keys the client sent, so that
// an explicit null clears a field on update.
type scheduleInput struct {
	Name              *string  `json:"name"`
	Dashboard         *string  `json:"dashboard"`
	Dashboards        []string `json:"dashboards"`
	Recipients        *string  `json:"recipients"`
	ScheduledAt       *string  `json:"scheduled_at"`
	IsRecurring       *bool    `json:"is_recurring"`
	RecurrenceType    *string  `json:"recurrence_type"`
	Interval          *int     `json:"interval"`
	Minute            *int     `json:"minute"`
	Hour              *int     `json:"hour"`
	DaysOfWeek        []int    `json:"days_of_week"`
	DayOfMonth        *int     `json:"day_of_month"`
	WeekOfMonth       *int     `json:"week_of_month"`
	Month             *int     `json:"month"`
	WorkdaysOnly      *bool    `json:"workdays_only"`
	HourRangeStart    *string  `json:"hour_range_start"`
	HourRangeEnd      *string  `json:"hour_range_end"`
	HourRangeInterval *int     `json:"hour_range_interval"`
	EndDate           *string  `json:"end_date"`

	present map[string]bool
}

func (in *scheduleInput) has(key string) bool { return in.present[key] }

// readPayload returns the request body as a loosely typed map, from JSON or
// from a (multipart) form.
func readPayload(c *gin.Context) (map[string]interface{}, error) {
	ct := c.ContentType()
	if ct == gin.MIMEMultipartPOSTForm || ct == gin.MIMEPOSTForm {
		if ct == gin.MIMEMultipartPOSTForm {
			if err := c.Request.ParseMultipartForm(8 << 20); err != nil {
				return nil, fmt.Errorf("invalid multipart form: %w", err)
			}
		} else if err := c.Request.ParseForm(); err != nil {
			return nil, fmt.Errorf("invalid form: %w", err)
		}
		raw := make(map[string]interface{}, len(c.Request.PostForm))
		for key, values := range c.Request.PostForm {
			key = strings.TrimSuffix(key, "[]")
			if len(values) == 1 {
				raw[key] = values[0]
			} else {
				raw[key] = values
			}
		}
		return raw, nil
	}

	raw := map[string]interface{}{}
	if err := c.ShouldBindJSON(&raw); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	return raw, nil
}

// decodeSchedule coerces a payload into a scheduleInput. String-encoded JSON
// arrays, comma lists, and "true"/"1"/"yes" booleans are accepted.
func decodeSchedule(raw map[string]interface{}) (*scheduleInput, error) {
	in := &scheduleInput{present: make(map[string]bool, len(raw))}
	for key, v := range raw {
		in.present[key] = true
		if s, ok := v.(string); ok && isNullString(s) && key != "recipients" && key != "name" {
			raw[key] = nil
		}
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			stringToSliceHook,
			stringToBoolHook,
			sliceToStringHook,
		),
		WeaklyTypedInput: true,
		TagName:          "json",
		Result:           in,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, err
	}
	return in, nil
}

func isNullString(s string) bool {
	s = strings.TrimSpace(s)
	return s == "" || s == "null"
}

func deref(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}

func stringToSliceHook(f, t reflect.Type, data interface{}) (interface{}, error) {
	if f.Kind() != reflect.String || deref(t).Kind() != reflect.Slice {
		return data, nil
	}
	s := strings.TrimSpace(data.(string))
	if s == "" {
		return []interface{}{}, nil
	}
	if strings.HasPrefix(s, "[") {
		var out []interface{}
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, fmt.Errorf("invalid JSON array %q", s)
		}
		return out, nil
	}
	parts := strings.Split(s, ",")
	out := make([]interface{}, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

func stringToBoolHook(f, t reflect.Type, data interface{}) (interface{}, error) {
	if f.Kind() != reflect.String || deref(t).Kind() != reflect.Bool {
		return data, nil
	}
	switch strings.ToLower(strings.TrimSpace(data.(string))) {
	case "true", "1", "yes", "y", "on":
		return true, nil
	case "false", "0", "no", "n", "off", "":
		return false, nil
	default:
		return nil, fmt.Errorf("invalid boolean %q", data)
	}
}

// sliceToStringHook joins lists sent for string fields, so recipients may
// arrive as an array.
func sliceToStringHook(f, t reflect.Type, data interface{}) (interface{}, error) {
	if f.Kind() != reflect.Slice || deref(t).Kind() != reflect.String {
		return data, nil
	}
	v := reflect.ValueOf(data)
	parts := make([]string, 0, v.Len())
	for i := 0; i < v.Len(); i++ {
		if s := strings.TrimSpace(fmt.Sprint(v.Index(i).Interface())); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", "), nil
}
