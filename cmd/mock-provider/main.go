// Command mock-provider stands in for both the moderation and primary
// upstream providers in integration tests. It is adapted from the
// teacher's bare mock LLM server, generalized to emit real SSE frames
// via gin-contrib/sse and extended with a moderation-verdict knob.
package main

import (
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	port := "8001"

	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/v1/chat/completions", handleChatCompletion)
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	log.Infof("mock provider starting on :%s", port)
	if err := r.Run(":" + port); err != nil {
		log.WithError(err).Fatal("mock provider exited")
	}
}

func handleChatCompletion(c *gin.Context) {
	delayStr := c.Query("delay")
	fail := c.Query("fail")
	stream := c.Query("stream")
	failChunkStr := c.Query("fail_chunk")
	moderation := c.Query("moderation")

	log.WithFields(log.Fields{
		"delay":      delayStr,
		"fail":       fail,
		"stream":     stream,
		"fail_chunk": failChunkStr,
		"moderation": moderation,
	}).Info("received request")

	if delayStr != "" {
		if ms, err := strconv.Atoi(delayStr); err == nil && ms > 0 {
			log.Infof("applying delay of %dms", ms)
			time.Sleep(time.Duration(ms) * time.Millisecond)
		}
	}

	if fail != "" {
		handleFailure(c, fail)
		return
	}

	if moderation != "" {
		handleModerationVerdict(c, moderation)
		return
	}

	if stream == "true" {
		failChunk := -1
		if failChunkStr != "" {
			failChunk, _ = strconv.Atoi(failChunkStr)
		}
		handleStreaming(c, failChunk)
		return
	}
	handleNormalResponse(c)
}

func handleFailure(c *gin.Context, failType string) {
	log.Warnf("simulating failure: %s", failType)

	switch failType {
	case "429":
		c.JSON(http.StatusTooManyRequests, gin.H{"error": gin.H{
			"message": "Rate limit exceeded. Please retry after some time.",
			"type":    "rate_limit_error",
			"code":    "rate_limit_exceeded",
		}})
	case "500":
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{
			"message": "Internal server error",
			"type":    "server_error",
			"code":    "internal_error",
		}})
	case "502":
		c.JSON(http.StatusBadGateway, gin.H{"error": gin.H{
			"message": "Bad gateway",
			"type":    "server_error",
			"code":    "bad_gateway",
		}})
	case "503":
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": gin.H{
			"message": "Service temporarily unavailable",
			"type":    "server_error",
			"code":    "service_unavailable",
		}})
	case "timeout":
		log.Info("simulating timeout (sleeping 60s)")
		time.Sleep(60 * time.Second)
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": gin.H{
			"message": "Gateway timeout",
			"type":    "timeout_error",
			"code":    "timeout",
		}})
	default:
		code, err := strconv.Atoi(failType)
		if err == nil && code >= 400 && code < 600 {
			c.JSON(code, gin.H{"error": gin.H{
				"message": fmt.Sprintf("Simulated error %d", code),
				"type":    "simulated_error",
				"code":    fmt.Sprintf("error_%d", code),
			}})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{
			"message": "Unknown failure type",
			"type":    "server_error",
		}})
	}
}

// handleModerationVerdict answers as the moderation provider would:
// a single chat-completion choice whose message content is the verdict
// JSON the moderation engine expects to decode, per spec.md §4.5.
func handleModerationVerdict(c *gin.Context, kind string) {
	var verdict string
	switch kind {
	case "violation":
		verdict = `{"isViolation":true,"riskLevel":5}`
	case "clean":
		verdict = `{"isViolation":false,"riskLevel":1}`
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{
			"message": "unknown moderation kind, expected violation or clean",
			"type":    "invalid_request_error",
		}})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":      fmt.Sprintf("mock-mod-%d", rand.Intn(100000)),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   "mock-moderator",
		"choices": []gin.H{
			{
				"index": 0,
				"message": gin.H{
					"role":    "assistant",
					"content": verdict,
				},
				"finish_reason": "stop",
			},
		},
	})
}

func handleNormalResponse(c *gin.Context) {
	log.Info("returning normal response")

	c.JSON(http.StatusOK, gin.H{
		"id":      fmt.Sprintf("mock-%d", rand.Intn(100000)),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   "gpt-4",
		"choices": []gin.H{
			{
				"index": 0,
				"message": gin.H{
					"role":    "assistant",
					"content": "Hello! I'm a mock LLM response. How can I help you today?",
				},
				"finish_reason": "stop",
			},
		},
		"usage": gin.H{
			"prompt_tokens":     10,
			"completion_tokens": 15,
			"total_tokens":      25,
		},
	})
}

// handleStreaming emits real SSE frames via gin-contrib/sse instead of
// the teacher's hand-rolled fmt.Fprintf framing.
func handleStreaming(c *gin.Context, failChunk int) {
	log.WithField("fail_chunk", failChunk).Info("starting streaming response")

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	chunks := []string{"Hello", " from", " the", " streaming", " mock", " provider", "!"}

	c.Stream(func(w io.Writer) bool {
		for i, chunk := range chunks {
			chunkNum := i + 1

			if failChunk > 0 && chunkNum == failChunk {
				log.Warnf("simulating failure at chunk %d", chunkNum)
				fmt.Fprintf(w, "data: {\"id\":\"mock-%d\",\"choices\":[{\"delta\":{\"content\":\n\n", chunkNum)
				c.Writer.Flush()
				return false
			}

			data := fmt.Sprintf(`{"id":"mock-%d","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"%s"},"finish_reason":null}]}`, chunkNum, chunk)
			_ = sse.Encode(w, sse.Event{Data: data})
			c.Writer.Flush()

			log.WithFields(log.Fields{"chunk": chunkNum, "text": chunk}).Debug("sent chunk")
			time.Sleep(100 * time.Millisecond)
		}

		finalData := `{"id":"mock-final","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`
		_ = sse.Encode(w, sse.Event{Data: finalData})
		fmt.Fprint(w, "data: [DONE]\n\n")
		c.Writer.Flush()

		log.Info("streaming complete")
		return false
	})
}
