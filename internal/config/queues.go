package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// QueueFile is the YAML document declaring the queues this instance serves
// and the managed accounts allowed on the grader interface.
//
// A queue with an empty URL is a pull queue; a non-empty URL makes it a push
// queue whose submissions are actively delivered to that grader endpoint.
type QueueFile struct {
	Queues map[string]string    `yaml:"queues"`
	Users  map[string]QueueUser `yaml:"users"`
}

// QueueUser is a managed account entry. Passwords in the file are plaintext
// and get hashed on the way into the database.
type QueueUser struct {
	Password string `yaml:"password"`
}

// LoadQueueFile reads and parses the queue declaration file.
func LoadQueueFile(path string) (QueueFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return QueueFile{}, fmt.Errorf("op=config.LoadQueueFile path=%s: %w", path, err)
	}
	var qf QueueFile
	if err := yaml.Unmarshal(raw, &qf); err != nil {
		return QueueFile{}, fmt.Errorf("op=config.LoadQueueFile path=%s: %w", path, err)
	}
	if len(qf.Queues) == 0 {
		return QueueFile{}, fmt.Errorf("op=config.LoadQueueFile path=%s: no queues declared", path)
	}
	return qf, nil
}

// Names returns the declared queue names in sorted order.
func (qf QueueFile) Names() []string {
	names := make([]string, 0, len(qf.Queues))
	for name := range qf.Queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PushQueues returns the queue name to grader URL mapping for queues that
// have an active grader endpoint.
func (qf QueueFile) PushQueues() map[string]string {
	push := make(map[string]string)
	for name, url := range qf.Queues {
		if url != "" {
			push[name] = url
		}
	}
	return push
}

// Valid reports whether name is a declared queue.
func (qf QueueFile) Valid(name string) bool {
	_, ok := qf.Queues[name]
	return ok
}
