// Copyright 2026 fanjia1024
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

package job

import (
	"bytes"
	"encoding/hex"
	"encoding/json"

	"github.com/zeebo/blake3"
)

// hashView 参与哈希的字段；LifetimeData 不参与，状态变化不会被视为配置变更
type hashView struct {
	ID                   string           `json:"id"`
	Name                 string           `json:"name"`
	JobConfigurationType string           `json:"jobConfigurationType"`
	JobConfiguration     json.RawMessage  `json:"jobConfiguration"`
	Demands              Demands          `json:"demands"`
	RedundancyConfig     RedundancyConfig `json:"redundancyConfig"`
}

// Hash Job 内容哈希（BLAKE3，hex）；编排服务据此判断 Agent 手上的配置是否最新
func Hash(j *JobInfo) string {
	if j == nil {
		return ""
	}
	b, err := json.Marshal(hashView{
		ID:                   j.ID,
		Name:                 j.Name,
		JobConfigurationType: j.JobConfigurationType,
		JobConfiguration:     compact(j.JobConfiguration),
		Demands:              j.Demands,
		RedundancyConfig:     j.RedundancyConfig,
	})
	if err != nil {
		// 非法 JSON 配置：退化为按原始字节计算
		h := blake3.New()
		_, _ = h.Write([]byte(j.ID))
		_, _ = h.Write([]byte(j.JobConfigurationType))
		_, _ = h.Write(j.JobConfiguration)
		return hex.EncodeToString(h.Sum(nil))
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// compact 去掉配置中的空白，格式差异不影响哈希
func compact(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
