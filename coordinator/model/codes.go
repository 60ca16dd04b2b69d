// Copyright 2023 StreamNative, Inc.
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

package model

// Wire codes exchanged with the remote agents. Every code travels as the
// ASCII bytes of the constant.
const (
	CodeOk             = "ok"
	CodeBusy           = "busy"
	CodeError          = "error"
	CodeUnknownCommand = "unknownCommand"
	CodeIdUnknown      = "idUnknown"

	CodePing     = "ping"
	CodeGetState = "pcaAsksForDetectorStatus"
	CodeSnapshot = "getStateSnapshot"

	CodeLock           = "lock"
	CodeUnlock         = "unlock"
	CodeAddDetector    = "addDetector"
	CodeRemoveDetector = "removeDetector"
	CodeCheck          = "check"

	CodeAddPartition            = "addPartition"
	CodeDeletePartition         = "deletePartition"
	CodeRemapDetector           = "remapDetector"
	CodeDetectorChangePartition = "detectorChangePartition"

	// Sentinels carried as the payload of a state update.
	CodeRemoved = "removed"
	CodeReset   = "reset"
)

// Codes accepted on the coordinator request endpoint.
const (
	CodePcaAsksForConfig        = "pcaAsksForConfig"
	CodeDetectorAsksForPCA      = "detectorAsksForPCA"
	CodeGetDetectorForId        = "getDetectorForId"
	CodePcaAsksForDetectorList  = "pcaAsksForDetectorList"
	CodeGetPartitionForId       = "getPartitionForId"
	CodeGetAllPCAs              = "getAllPCAs"
	CodeGetUnmappedDetectors    = "getUnmappedDetectors"
	CodeGlobalSystemAsksForInfo = "GlobalSystemAsksForInfo"
	CodeGetDetectorMapping      = "getDetectorMapping"

	// Mutations only served when legacy commands are enabled.
	CodeCreatePartition   = "createPartition"
	CodeCreateDetector    = "createDetector"
	CodeMapDetectorsToPCA = "mapDetectorsToPCA"
)
