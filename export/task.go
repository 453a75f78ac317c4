package export

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var ErrUnsupportedTask = errors.New("task does not support export")

// Task is a model family that can be exported. Each task has a fixed set of
// graph output names.
type Task int

const (
	ObjectDetection Task = iota + 1
	Classification
	InstanceSegmentation
	TextRecognition
)

type taskInfo struct {
	name    string
	outputs []string
}

var tasks = map[Task]taskInfo{
	ObjectDetection:      {"object_detection", []string{"bbox", "conf", "class_id"}},
	Classification:       {"classification", []string{"predictions"}},
	InstanceSegmentation: {"instance_segmentation", []string{"bbox", "conf", "class_id", "masks"}},
	TextRecognition:      {"text_recognition", []string{"class_ids", "confs"}},
}

// Tasks lists the exportable tasks in declaration order.
func Tasks() []Task {
	return []Task{ObjectDetection, Classification, InstanceSegmentation, TextRecognition}
}

func ParseTask(s string) (Task, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for t, info := range tasks {
		if info.name == key {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedTask, s)
}

func (t Task) Valid() bool {
	_, ok := tasks[t]
	return ok
}

func (t Task) String() string {
	if info, ok := tasks[t]; ok {
		return info.name
	}
	return fmt.Sprintf("Task(%d)", int(t))
}

// OutputNames returns a copy of the task's graph output names.
func (t Task) OutputNames() []string {
	return slices.Clone(tasks[t].outputs)
}

func (t Task) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedTask, int(t))
	}
	return []byte(t.String()), nil
}

func (t *Task) UnmarshalText(b []byte) error {
	v, err := ParseTask(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
