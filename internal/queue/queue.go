// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package queue carries send tasks between the mail store application and
// the relay worker over a Redis list. The web application LPUSHes a task
// when a user hits send; the relay worker BRPOPs and dispatches it.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SendTask asks the relay worker to dispatch one outbound message.
type SendTask struct {
	TaskID    string `json:"task_id"`
	MessageID int64  `json:"message_id"`
	Force     bool   `json:"force,omitempty"`
}

// Queue is a Redis-list task queue for outbound sends.
type Queue struct {
	rdb  *redis.Client
	name string
}

// New creates a queue on the named Redis list.
func New(rdb *redis.Client, name string) *Queue {
	return &Queue{rdb: rdb, name: name}
}

// Ping checks the Redis connection.
func (q *Queue) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return q.rdb.Ping(ctx).Err()
}

// Enqueue publishes a send task. This is the mail store application's
// side of the queue; the mailgate binaries themselves only consume via
// Dequeue. The assigned task id is returned for correlation in logs.
func (q *Queue) Enqueue(ctx context.Context, messageID int64, force bool) (string, error) {
	task := SendTask{
		TaskID:    uuid.New().String(),
		MessageID: messageID,
		Force:     force,
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("marshal send task: %w", err)
	}

	if err := q.rdb.LPush(ctx, q.name, payload).Err(); err != nil {
		return "", fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Info("enqueued send task",
		"task_id", task.TaskID,
		"message_id", messageID,
		"queue", q.name,
	)
	return task.TaskID, nil
}

// Dequeue blocks until a task is available or the context is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (*SendTask, error) {
	// A finite BRPOP timeout keeps the loop responsive to ctx cancel.
	res, err := q.rdb.BRPop(ctx, 5*time.Second, q.name).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis BRPOP: %w", err)
	}

	// BRPOP returns [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP reply of %d elements", len(res))
	}

	var task SendTask
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return nil, fmt.Errorf("decode send task: %w", err)
	}
	return &task, nil
}
