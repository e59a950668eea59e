package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"model-benchmark/pkg/api"

	"github.com/go-resty/resty/v2"
)

func submit(client *resty.Client, email, taskType, model, train, test string) (api.SubmitResponse, error) {
	var res api.SubmitResponse
	resp, err := client.R().
		SetFormData(map[string]string{"email": email, "task_type": taskType}).
		SetFile("model", model).
		SetFile("train_set", train).
		SetFile("test_set", test).
		SetResult(&res).
		Post("/requests")
	if err != nil {
		return res, fmt.Errorf("error making request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return res, fmt.Errorf("error submitting request: status %d, body: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return res, nil
}

func getResults(client *resty.Client, userId string) (api.Results, error) {
	var res api.Results
	resp, err := client.R().SetResult(&res).Get("/requests/" + userId + "/results")
	if err != nil {
		return res, fmt.Errorf("error making request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return res, fmt.Errorf("error getting results: status %d, body: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return res, nil
}

func main() {
	var (
		host     string
		email    string
		taskType string
		model    string
		train    string
		test     string
		wait     time.Duration
	)
	flag.StringVar(&host, "host", "http://localhost:8001", "api server address")
	flag.StringVar(&email, "email", "", "email of the submitter")
	flag.StringVar(&taskType, "task-type", "classification", "classification or regression")
	flag.StringVar(&model, "model", "", "path to the .model or .onnx user model")
	flag.StringVar(&train, "train", "", "path to the training csv")
	flag.StringVar(&test, "test", "", "path to the test csv")
	flag.DurationVar(&wait, "wait", 30*time.Minute, "how long to wait for results, 0 to return after submitting")
	flag.Parse()

	if email == "" || model == "" || train == "" || test == "" {
		flag.Usage()
		os.Exit(2)
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(host, "/") + "/api/v1").
		SetHeader("Accept", "application/json").
		SetTimeout(5 * time.Minute)

	submitted, err := submit(client, email, taskType, model, train, test)
	if err != nil {
		log.Fatalf("Error submitting: %v", err)
	}
	fmt.Printf("Submitted request %s\n", submitted.UserId)

	if wait == 0 {
		return
	}

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		results, err := getResults(client, submitted.UserId)
		if err != nil {
			log.Fatalf("Error polling results: %v", err)
		}

		if results.Status == "COMPLETED" || results.Status == "FAILED" {
			out, err := json.MarshalIndent(results, "", "  ")
			if err != nil {
				log.Fatalf("Error encoding results: %v", err)
			}
			fmt.Println(string(out))
			if results.Status == "FAILED" {
				os.Exit(1)
			}
			return
		}

		time.Sleep(5 * time.Second)
	}

	log.Fatalf("Request %s did not finish within %s", submitted.UserId, wait)
}
