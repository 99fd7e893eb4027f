package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Key layout.
const (
	taskKeyPrefix      = "repackd:task:"
	eventChannelPrefix = "repackd:events:"
)

// ErrEmptyURL is returned by Open when no Redis URL is configured.
var ErrEmptyURL = errors.New("redis url is empty")

// Open parses url, connects and verifies the connection with PING.
func Open(ctx context.Context, url string) (*goredis.Client, error) {
	if url == "" {
		return nil, ErrEmptyURL
	}

	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return client, nil
}

func taskKey(id string) string {
	return taskKeyPrefix + id
}

func eventChannel(channel string) string {
	return eventChannelPrefix + channel
}
