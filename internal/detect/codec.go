package detect

import (
	"encoding/json"
	"fmt"
)

// Wire field names that are not analysis-specific.
const (
	fieldDomain     = "domain"
	fieldTaskConfig = "task_config"
	fieldScanConfig = "scan_config"
)

func configField(analysis string) string { return analysis + "_config" }
func resultField(analysis string) string { return analysis + "_result" }

// DecodeTask parses a queue message body into a Task. The analysis name
// selects the "<analysis>_config" and "<analysis>_result" document keys;
// fields the worker does not interpret are preserved verbatim so the
// callback can echo the complete document.
func DecodeTask(analysis string, body []byte) (*Task, error) {
	if analysis == "" {
		return nil, fmt.Errorf("decode task: analysis name is required")
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode task document: %w", err)
	}

	task := &Task{Analysis: analysis, extra: make(map[string]json.RawMessage)}

	if raw, ok := doc[fieldDomain]; ok {
		if err := json.Unmarshal(raw, &task.Domain); err != nil {
			return nil, fmt.Errorf("decode task domain: %w", err)
		}
	}
	if task.Domain == "" {
		return nil, fmt.Errorf("decode task: domain is required")
	}

	if raw, ok := doc[configField(analysis)]; ok {
		if err := json.Unmarshal(raw, &task.Config); err != nil {
			return nil, fmt.Errorf("decode %s: %w", configField(analysis), err)
		}
	}
	if raw, ok := doc[fieldTaskConfig]; ok {
		if err := json.Unmarshal(raw, &task.TaskConfig); err != nil {
			return nil, fmt.Errorf("decode task_config: %w", err)
		}
	}
	if raw, ok := doc[fieldScanConfig]; ok {
		if err := json.Unmarshal(raw, &task.Scan); err != nil {
			return nil, fmt.Errorf("decode scan_config: %w", err)
		}
	}
	if raw, ok := doc[resultField(analysis)]; ok && string(raw) != "null" {
		task.Result = &Result{}
		if err := json.Unmarshal(raw, task.Result); err != nil {
			return nil, fmt.Errorf("decode %s: %w", resultField(analysis), err)
		}
	}

	known := map[string]struct{}{
		fieldDomain:           {},
		fieldTaskConfig:       {},
		fieldScanConfig:       {},
		configField(analysis): {},
		resultField(analysis): {},
	}
	for k, v := range doc {
		if _, ok := known[k]; !ok {
			task.extra[k] = v
		}
	}
	return task, nil
}

// EncodeTask serializes the task back into its wire document, restoring
// the analysis-keyed field names and any preserved passthrough fields.
func EncodeTask(task *Task) ([]byte, error) {
	doc := make(map[string]json.RawMessage, len(task.extra)+5)
	for k, v := range task.extra {
		doc[k] = v
	}

	put := func(key string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode task %s: %w", key, err)
		}
		doc[key] = raw
		return nil
	}

	if err := put(fieldDomain, task.Domain); err != nil {
		return nil, err
	}
	if err := put(configField(task.Analysis), task.Config); err != nil {
		return nil, err
	}
	if err := put(fieldTaskConfig, task.TaskConfig); err != nil {
		return nil, err
	}
	if task.Scan != (ScanConfig{}) {
		if err := put(fieldScanConfig, task.Scan); err != nil {
			return nil, err
		}
	}
	if task.Result != nil {
		if err := put(resultField(task.Analysis), task.Result); err != nil {
			return nil, err
		}
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode task document: %w", err)
	}
	return body, nil
}
